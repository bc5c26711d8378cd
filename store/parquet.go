// Package store writes self-play training examples to Parquet.
package store

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

const schemaName = "hex_example_v1"

// ExampleRow is one self-play position.
//
// Input is the 3×n×n encoding from the mover's view and Policy the search
// distribution over the mover's canonical move indices. Value is the final
// outcome for the mover: +1 win, -1 loss.
type ExampleRow struct {
	GameID     string    `parquet:"game_id,dict"`
	Generation int32     `parquet:"generation"`
	Ply        int32     `parquet:"ply"`
	Mover      string    `parquet:"mover,dict"`
	Size       int32     `parquet:"size"`
	Input      []float32 `parquet:"input"`
	Policy     []float32 `parquet:"policy"`
	Value      float32   `parquet:"value"`
}

// ReadRows loads every row of a file written by BatchWriter.
func ReadRows(path string) ([]ExampleRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet: %w", err)
	}
	rows, err := parquet.Read[ExampleRow](f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
