package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Vector is the stored embedding of a record.
type Vector struct {
	RecordID  string
	Model     string
	TextHash  string
	Embedding []float32
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func storeVector(ctx context.Context, q querier, v Vector) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO record_vectors (record_id, model, dim, embedding, text_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			model = excluded.model,
			dim = excluded.dim,
			embedding = excluded.embedding,
			text_hash = excluded.text_hash`,
		v.RecordID, v.Model, len(v.Embedding), encodeVector(v.Embedding), v.TextHash)
	if err != nil {
		return fmt.Errorf("storing vector for %s: %w", v.RecordID, err)
	}
	return nil
}

// StoreVector saves the embedding of a record.
func (ix *Index) StoreVector(ctx context.Context, v Vector) error {
	return storeVector(ctx, ix.db, v)
}

// VectorHash returns the text hash stored with the record's vector, or ""
// when the record has none.
func (ix *Index) VectorHash(ctx context.Context, recordID string) (string, error) {
	var hash string
	err := ix.db.QueryRowContext(ctx, `SELECT text_hash FROM record_vectors WHERE record_id = ?`, recordID).Scan(&hash)
	if err != nil {
		return "", nil
	}
	return hash, nil
}

// Vectors returns the embeddings of all records in namespace. An empty
// namespace returns every vector.
func (ix *Index) Vectors(ctx context.Context, namespace string) ([]Vector, error) {
	query := `SELECT v.record_id, v.model, v.text_hash, v.embedding FROM record_vectors v
		JOIN records r ON r.id = v.record_id`
	var args []any
	if namespace != "" {
		query += ` WHERE r.namespace = ?`
		args = append(args, namespace)
	}
	query += ` ORDER BY v.record_id`

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading vectors: %w", err)
	}
	defer rows.Close()

	var out []Vector
	for rows.Next() {
		var v Vector
		var blob []byte
		if err := rows.Scan(&v.RecordID, &v.Model, &v.TextHash, &blob); err != nil {
			return nil, err
		}
		if v.Embedding, err = decodeVector(blob); err != nil {
			ix.logger.Warn("skipping malformed vector", "record_id", v.RecordID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
