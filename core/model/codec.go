package model

import (
	"bytes"
	"encoding/gob"
	"io"
	"sort"
	"sync"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// CodecVersion is written into every envelope.
const CodecVersion = 1

// envelope is the on-disk form of an artifact: the estimator kind plus its gob payload.
type envelope struct {
	Kind    string
	Version int
	Payload []byte
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]func() Artifact{}
)

// RegisterKind makes an estimator kind decodable. factory must return a pointer
// to a zero value that gob can decode into. Estimator packages call it from init.
func RegisterKind(kind string, factory func() Artifact) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, dup := kinds[kind]; dup {
		panic("model: RegisterKind called twice for " + kind)
	}
	kinds[kind] = factory
}

// RegisteredKinds returns the decodable kinds in sorted order.
func RegisteredKinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save writes a fitted artifact to w.
func Save(w io.Writer, a Artifact) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(a); err != nil {
		return errors.NewModelError("model.Save", "failed to encode "+a.Kind(), err)
	}
	env := envelope{Kind: a.Kind(), Version: CodecVersion, Payload: payload.Bytes()}
	if err := gob.NewEncoder(w).Encode(env); err != nil {
		return errors.NewModelError("model.Save", "failed to write envelope", err)
	}
	return nil
}

// Load reads an artifact written by Save.
func Load(r io.Reader) (a Artifact, err error) {
	defer errors.Recover(&err, "model.Load")

	var env envelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.NewModelError("model.Load", "corrupt artifact envelope", err)
	}
	if env.Version != CodecVersion {
		return nil, errors.NewValueError("model.Load", "unsupported artifact version")
	}
	kindsMu.RLock()
	factory, ok := kinds[env.Kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, errors.NewValueError("model.Load", "unknown estimator kind "+env.Kind)
	}
	a = factory()
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(a); err != nil {
		return nil, errors.NewModelError("model.Load", "failed to decode "+env.Kind, err)
	}
	return a, nil
}

// Marshal encodes a fitted artifact into a blob for the run store.
func Marshal(a Artifact) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a blob produced by Marshal.
func Unmarshal(blob []byte) (Artifact, error) {
	if len(blob) == 0 {
		return nil, errors.NewValueError("model.Unmarshal", "empty artifact")
	}
	return Load(bytes.NewReader(blob))
}
