// Package archive stores the history of finished games in an S3-compatible
// bucket before the sweeper purges them. Objects are JSON documents keyed by
// the date the game ended.
package archive
