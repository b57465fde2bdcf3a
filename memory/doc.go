// Package memory provides long-term memory for agents: generation from
// conversation transcripts, blended-score retrieval, and consolidation.
//
// Memories are namespaced by user and never edited in place. A memory is
// generated once, retrieved many times, and eventually either merged away
// by consolidation or pruned when it is both unimportant and stale.
//
// Architecture:
//   - Store: orchestrates generation, retrieval, consolidation, removal
//   - storage.KV: durable system of record, one JSON document per memory
//   - SearchBackend: pluggable ranked retrieval (vector index, graph)
//   - Extractor: distills what is worth remembering from a transcript
//   - Embedder: text-to-vector conversion for backends that need it
//
// Retrieval ranks candidates by a fixed blend of importance (0.4),
// backend relevance (0.4), and recency (0.2). Results are cached per
// user with a generation counter that every mutation bumps, so a write
// is always visible to the next retrieval.
//
// Local defaults keep everything offline: KeywordExtractor instead of an
// LLM, the chromem backend for vector search, the mock embedder for
// tests. Production swaps happen at the capability seams.
package memory
