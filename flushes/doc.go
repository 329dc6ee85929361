// Package flushes implements the im.flushing.right.now status records: validation, writes to the author's PDS, and a local index serving the global feed.
package flushes
