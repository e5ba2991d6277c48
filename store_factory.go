package coeditd

import (
	"fmt"
	"strings"

	"pkt.systems/coeditd/internal/storage"
	"pkt.systems/coeditd/internal/storage/memory"
	"pkt.systems/coeditd/internal/storage/sqlite"
)

type storeKind int

const (
	storeMemory storeKind = iota
	storeSQLite
)

type storeTarget struct {
	kind storeKind
	path string
}

func parseStoreURL(raw string) (storeTarget, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "" || s == "mem://" || s == "mem":
		return storeTarget{kind: storeMemory}, nil
	case strings.HasPrefix(s, "sqlite://"):
		path := strings.TrimPrefix(s, "sqlite://")
		if strings.TrimSpace(path) == "" {
			return storeTarget{}, fmt.Errorf("store: sqlite url %q has no path", raw)
		}
		return storeTarget{kind: storeSQLite, path: path}, nil
	default:
		return storeTarget{}, fmt.Errorf("store: unsupported url %q (want mem:// or sqlite://<path>)", raw)
	}
}

// openBackend opens the storage backend selected by the store URL.
func openBackend(raw string) (storage.Backend, error) {
	target, err := parseStoreURL(raw)
	if err != nil {
		return nil, err
	}
	switch target.kind {
	case storeSQLite:
		return sqlite.Open(target.path)
	default:
		return memory.New(), nil
	}
}
