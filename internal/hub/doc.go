// Package hub keeps connected telescopes synchronized on the shared NORAD
// identifier list.
//
// A Hub composes the norad.Store with a Registry of authenticated peers, an
// AuthGate that admits new connections and an Engine that broadcasts the list.
// Broadcasts and reloads run on the single goroutine executing Hub.Run; the
// control plane and the file watcher reach it only through the hub's task
// queue (RequestBroadcast, RequestReload, UpdateNoradIDs).
package hub
