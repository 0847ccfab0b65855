// Package memory implements document ingestion and similarity search on top
// of a store.Repository and an embedding client.
//
// Every content write embeds synchronously: a document is persisted with its
// vector or not at all. Search embeds the query, ranks by cosine similarity
// in the store and projects the ranked rows into Hits.
package memory
