// Package remote validates and downloads remote resources for the image pipeline.
//
// Two pieces cooperate:
//   - [Validator]: decides whether a URL's host is on the allow-list, using the
//     prefix/suffix policy in [MatchHost]
//   - [Fetcher]: downloads an allowed URL under a byte ceiling and a single
//     wall-clock deadline, returning the whole body or a typed [*Error]
//
// Nothing here caches, retries, or inspects the bytes it returns.
package remote
