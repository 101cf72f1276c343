// Package pipeline runs documents through an ordered list of
// processors. Each processor mutates a per-document context handed off
// exclusively between stages; the first failure stops the run and is
// reported with its stage name.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/analyzer"
	"github.com/hsn0918/enterprise-kb/internal/chunking"
	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/state"
	"github.com/hsn0918/enterprise-kb/internal/vectorstore"
)

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrEmptyDocument    = errors.New("empty document")
)

// ProcessContext carries a document through the stages. Ownership
// transfers stage to stage; no two stages touch it concurrently.
type ProcessContext struct {
	DocID    string
	Source   string
	Content  []byte
	Text     string
	Plan     analyzer.ProcessingPlan
	Metadata map[string]interface{}

	// OrdinalBase shifts chunk ordinals when the context covers a
	// segment of a larger document rather than the whole of it.
	OrdinalBase int

	Chunks      []chunking.Chunk
	ChunkHashes []string
	Nodes       []vectorstore.Node
	NodeCount   int

	StartedAt time.Time
}

// StageError wraps a processor failure with its position in the run.
type StageError struct {
	Stage   string
	Ordinal int // offending chunk ordinal, -1 when not applicable
	Err     error
}

func (e *StageError) Error() string {
	if e.Ordinal >= 0 {
		return fmt.Sprintf("stage %s failed at ordinal %d: %v", e.Stage, e.Ordinal, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Processor is one stage of the pipeline.
type Processor interface {
	Name() string
	Supports(fileType analyzer.FileType) bool
	Process(ctx context.Context, pc *ProcessContext) error
}

// Factory builds a processor from the engine's shared dependencies.
type Factory func(deps Deps) Processor

// registration pairs a factory with its place in the stage order.
type registration struct {
	factory Factory
	order   int
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Stage order anchors. Custom processors register between them.
const (
	OrderValidate  = 100
	OrderNormalize = 200
	OrderChunk     = 300
	OrderEmbed     = 400
	OrderIndex     = 500
	OrderFinalize  = 600
)

// Register binds a processor factory under a name at a position in the
// stage order. Later registrations under the same name replace earlier
// ones.
func Register(name string, order int, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = registration{factory: factory, order: order}
}

// Deps are the shared services processors draw on. State may be nil
// for segment runs, whose finalization happens at merge time.
type Deps struct {
	Embedder Embedder
	Store    vectorstore.Store
	State    *state.Store
	BatchMax int
}

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Engine selects and runs processors for a document.
type Engine struct {
	deps Deps
}

func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Build resolves the processors for a plan: the standard stages plus
// any extras named in custom, ordered by registration order. Processors
// that do not support the document's file type are skipped.
func (e *Engine) Build(plan analyzer.ProcessingPlan, custom []string) ([]Processor, error) {
	names := []string{"validate"}
	if plan.ConvertToMarkdown {
		names = append(names, "markdown_normalize")
	}
	names = append(names, "chunk", "embed", "index", "finalize")
	names = append(names, custom...)

	registryMu.RLock()
	defer registryMu.RUnlock()

	type ordered struct {
		p     Processor
		order int
	}
	var stages []ordered
	for _, name := range names {
		reg, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
		}
		p := reg.factory(e.deps)
		if !p.Supports(plan.FileType) {
			continue
		}
		stages = append(stages, ordered{p: p, order: reg.order})
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].order < stages[j].order })

	out := make([]Processor, len(stages))
	for i, s := range stages {
		out[i] = s.p
	}
	return out, nil
}

// Run executes the stages in order, stopping at the first failure.
func (e *Engine) Run(ctx context.Context, pc *ProcessContext, stages []Processor) error {
	pc.StartedAt = time.Now()
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: stage.Name(), Ordinal: -1, Err: err}
		}
		if err := stage.Process(ctx, pc); err != nil {
			var se *StageError
			if errors.As(err, &se) {
				return err
			}
			return &StageError{Stage: stage.Name(), Ordinal: -1, Err: err}
		}
		logger.Get().Debug("stage done",
			zap.String("doc_id", pc.DocID),
			zap.String("stage", stage.Name()),
			zap.Int("chunks", len(pc.Chunks)),
		)
	}
	return nil
}
