// Package crawler defines the domain types, interfaces, and errors shared by
// the catalog crawl pipeline: page listing, dedup classification, detail
// extraction, and persistence.
package crawler
