package embedding

// Embedder converts free text into a numeric vector representation.
// Embed never mutates the embedder: terms it has not observed are ignored.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(text string) []float64
}

// Batch stages vocabulary growth for a single ingestion. Nothing is visible
// to readers until Commit; a batch that is dropped leaves no trace.
type Batch interface {
	Observe(text string)
	Embed(text string) []float64
	Dimension() int
	Commit() error
}

// VocabularySnapshot is the persistable state of a growing vocabulary.
type VocabularySnapshot struct {
	Terms []string `json:"terms"`
	DF    []int    `json:"df"`
	Docs  int      `json:"docs"`
}

// Incremental is an Embedder whose vocabulary grows as documents arrive.
type Incremental interface {
	Embedder
	Begin() Batch
	Snapshot() VocabularySnapshot
	Restore(snap VocabularySnapshot) error
}
