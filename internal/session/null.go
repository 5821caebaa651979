package session

import (
	"context"
	"fmt"

	"orchestrator/internal/ports"
)

// nopDocuments is the zero-value ports.DocumentStore: every call fails with
// a clear "not configured" error rather than silently pretending to
// persist anything. A Manager without an injected DocumentStoreFactory
// falls back to this, same spirit as logging.OrNop and orchestrator's own
// nopSink — a safe default, not a working store.
type nopDocuments struct{}

func (nopDocuments) Get(context.Context, string) (string, int, bool) { return "", 0, false }

func (nopDocuments) Put(context.Context, string, string) (int, error) {
	return 0, fmt.Errorf("document store not configured")
}

func (nopDocuments) Delete(context.Context, string) (int, error) {
	return 0, fmt.Errorf("document store not configured")
}

func (nopDocuments) List(context.Context) ([]string, int, error) {
	return nil, 0, fmt.Errorf("document store not configured")
}

var _ ports.DocumentStore = nopDocuments{}
