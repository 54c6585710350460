// Package mongodb implements que.Store on MongoDB.
//
// Job ids come from a counter collection. Locks are leases on the job
// documents, renewed by the owning session and given up when it closes.
package mongodb
