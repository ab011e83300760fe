// Package cask is a content-addressed, versioned object store: immutable
// values and Merkle trees identified by kinded content hashes, revisions
// forming an append-only DAG over those trees, and mutable tags pointing
// into the DAG. A path-based key/value view sits on top with snapshot,
// revert and bundle-based sync between independent stores.
//
// Basic usage:
//
//	db, _ := cask.Open("/var/lib/cask")
//	defer db.Close()
//
//	db.Put(ctx, "a/b", []byte("v1"))
//	rev, _ := db.Snapshot(ctx)
//	db.Tags().Set("main", rev)
//
//	db.Put(ctx, "a/b", []byte("v2"))
//	db.Revert(ctx, rev) // a/b reads "v1" again
//
// Sync between stores:
//
//	bundle, _ := src.Export(ctx, []cask.Key{rev})
//	dst.Import(ctx, bundle)
//	dst.Revert(ctx, rev)
//
// Or through an OCI registry:
//
//	db, _ := cask.Open(dir, cask.WithRemote("ttl.sh/team/data:main"))
//	db.Push(ctx)
//
// Every object above the durable backend is immutable once written, so
// reads never need locking; the engine layer beneath arbitrates cache
// space, index merging and garbage collection with configurable
// throttle policies.
package cask
