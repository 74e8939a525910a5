// Package backup keeps content-addressed, zstd-compressed snapshots of target
// files taken before they are patched.
//
// Objects live under <dir>/objects/<id[:2]>/<id>.zst where id is the
// ir.ContentID of the uncompressed bytes. Every object is written atomically
// and read back before it is indexed, so an indexed backup always
// decompresses to the bytes it names. Backups are only removed by Delete and
// Prune, which the CLI exposes as explicit user commands.
package backup
