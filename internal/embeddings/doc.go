// Package embeddings converts text into fixed-length vectors through an
// external inference endpoint.
//
// Client is the entry point. It clips every input to the character budget
// (8000 by default), sends single or batched requests to a Provider, and
// validates that the response holds exactly one non-empty vector per input.
// Any failure surfaces as ErrEmbeddingFailed. There is no retry and no
// fallback vector.
//
// Providers:
//   - OpenAIProvider: OpenAI-compatible /embeddings via langchaingo
//   - TEIProvider: HuggingFace text-embeddings-inference /embed
package embeddings
