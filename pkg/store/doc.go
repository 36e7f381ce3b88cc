/*
Package store gives the protocol engine access to the synchronized directory
tree.

Paths handed to the store are relative to the tree's root and use forward
slashes. A leading slash is accepted and still means "relative to the root".

Incoming files are written through loaders. A loader is a temporary file next
to its destination that receives byte ranges in any order. Once every range is
written and the contents hash to the expected MD5, the loader is renamed over
the destination. Loader files are never reported by scans.

Reads are content addressed: a peer asks for bytes by MD5, and any local file
with that hash can serve them.
*/
package store
