// Package download resolves, fetches, verifies and caches remote artifacts.
//
// Fetch downloads into a temporary sibling of the destination with a bounded
// linear-backoff retry, verifies the digest, and commits the artifact
// atomically so the final path is never observed partially written. Cached
// artifacts younger than ArtifactFreshness are reused without any network
// call. ResolveVersion finds the upstream version through a structured
// lookup, a page scrape, or the version cache, in that order.
package download
