// Package correlator reconstructs open attempts from an ftrace text stream.
//
//	raw lines ──→ trace.Classifier / trace.Detector (offset fixed once)
//	                 │
//	                 ├──→ lost marker ─────────→ Emitter.Warn
//	                 │
//	                 ├──→ process name filter (per line)
//	                 │
//	                 ├──→ path resolution ─────→ pending[pid] = path
//	                 │
//	                 └──→ syscall exit ────────→ take pending[pid]
//	                                             decode descriptor
//	                                             filter.Engine.Accept
//	                                             Emitter.Emit
//
// Processing is strictly sequential. Records come out in the order of
// their syscall exit lines. Pending entries are never expired.
package correlator
