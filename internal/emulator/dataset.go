package emulator

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Dataset is the YAML seed file format.
//
//	collections:
//	  - name: products
//	    partitions: 4
//	    documents:
//	      - id: "1"
//	        pk: nuts
//	        body: {kind: walnut, price: 12}
type Dataset struct {
	Collections []CollectionSeed `yaml:"collections"`
}

// CollectionSeed describes one collection of a Dataset.
type CollectionSeed struct {
	Name       string     `yaml:"name"`
	Partitions int        `yaml:"partitions"`
	Documents  []Document `yaml:"documents"`
}

// LoadDataset reads a YAML dataset file into the store.
func (s *Store) LoadDataset(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return s.LoadDatasetFrom(f)
}

// LoadDatasetFrom reads a YAML dataset from r.
func (s *Store) LoadDatasetFrom(r io.Reader) error {
	var ds Dataset
	if err := yaml.NewDecoder(r).Decode(&ds); err != nil {
		return fmt.Errorf("decode dataset: %w", err)
	}
	for _, c := range ds.Collections {
		if c.Name == "" {
			return fmt.Errorf("decode dataset: collection without a name")
		}
		if err := s.CreateCollection(c.Name, c.Partitions); err != nil {
			return err
		}
		if err := s.Upsert(c.Name, c.Documents...); err != nil {
			return err
		}
		s.logger.Debug("collection loaded", "collection", c.Name, "documents", len(c.Documents))
	}
	return nil
}
