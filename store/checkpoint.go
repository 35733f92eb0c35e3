package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrEmptyWindow = errors.New("store: checkpoint has no values")

// Checkpoint is a saved window, values ordered oldest to newest.
type Checkpoint struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Values    []float64 `json:"values"`
	CreatedAt time.Time `json:"created_at"`
}

func NewCheckpoint(key string, values []float64) Checkpoint {
	v := make([]float64, len(values))
	copy(v, values)
	return Checkpoint{
		ID:        uuid.New().String(),
		Key:       key,
		Values:    v,
		CreatedAt: time.Now().UTC(),
	}
}

func Encode(c Checkpoint) ([]byte, error) {
	if len(c.Values) == 0 {
		return nil, errors.Wrapf(ErrEmptyWindow, "key %q", c.Key)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint")
	}
	return b, nil
}

func Decode(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "unmarshal checkpoint")
	}
	if len(c.Values) == 0 {
		return nil, errors.Wrapf(ErrEmptyWindow, "key %q", c.Key)
	}
	return c, nil
}

type Store interface {
	Save(ctx context.Context, c Checkpoint) error
	// Load returns the newest checkpoint for key, or nil when there is none.
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Close() error
}
