package fittings

import (
	"context"
	"sync"

	"github.com/blevesearch/bleve"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/fitting"
)

// Document is the payload TextIndex inputs must carry: an opaque ID plus
// the fields to index, mirroring textindexer/index.Document's
// Title/Content pair without depending on that package's link-graph
// specific fields (LinkID, PageRank).
type Document struct {
	ID      string
	Title   string
	Content string
}

type bleveDoc struct {
	Title   string
	Content string
}

// TextIndex indexes each Document input into an in-memory bleve index and
// emits the document's ID once indexed, adapted from
// textindexer/store/memory/bleve.go's InMemoryBleveIndexer — generalized
// from that type's link-graph-specific Document to a plain ID/Title/Content
// triple, and from a standalone store into a fitting.Behavior whose one
// index is shared by every partition's worker.
type TextIndex struct {
	mu  sync.Mutex
	idx bleve.Index
}

// NewTextIndex constructs the shared in-memory bleve index underlying one
// TextIndex behavior, returning both the fitting.Behavior to register and
// the *TextIndex handle so callers can Search it directly. Each
// (fitting, partition) worker gets its own Init call, so the returned
// Behavior is safe to register once and reused across partitions.
func NewTextIndex() (fitting.Behavior, *TextIndex, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, nil, xerrors.Errorf("textindex: %w", err)
	}
	ti := &TextIndex{idx: idx}

	return fitting.FuncBehavior{
		ProcessFunc: ti.process,
	}, ti, nil
}

func (t *TextIndex) process(ctx context.Context, emit fitting.Emitter, state fitting.State, in fitting.ProcessInput) (fitting.Verdict, fitting.State, error) {
	doc, ok := in.Value.(Document)
	if !ok {
		return fitting.VerdictError, state, xerrors.Errorf("textindex: input %T is not a fittings.Document", in.Value)
	}
	if doc.ID == "" {
		return fitting.VerdictError, state, xerrors.New("textindex: Document.ID must not be empty")
	}

	t.mu.Lock()
	err := t.idx.Index(doc.ID, bleveDoc{Title: doc.Title, Content: doc.Content})
	t.mu.Unlock()
	if err != nil {
		return fitting.VerdictError, state, xerrors.Errorf("textindex: %w", err)
	}

	if err := emit.Emit(ctx, doc.ID); err != nil {
		return fitting.VerdictError, state, err
	}
	return fitting.VerdictOK, state, nil
}

// Search runs a match query against the index built by a TextIndex
// behavior and returns the matched document IDs ordered by bleve's default
// relevance score, for callers that want to query a pipeline's index
// directly rather than through the fitting's input stream.
func (t *TextIndex) Search(ctx context.Context, expression string) ([]string, error) {
	q := bleve.NewMatchQuery(expression)
	req := bleve.NewSearchRequest(q)

	t.mu.Lock()
	rs, err := t.idx.Search(req)
	t.mu.Unlock()
	if err != nil {
		return nil, xerrors.Errorf("textindex: search: %w", err)
	}

	ids := make([]string, 0, len(rs.Hits))
	for _, hit := range rs.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
