// Package catalog owns the set of tools the gateway advertises and routes
// calls to. Entries come from three kinds of sources: static tools registered
// in code, tools discovered from the backend CMS, and tools declared in a
// descriptor file on disk. Each entry carries an authorization requirement and
// a compiled input schema; the protocol layer consults both before invoking.
package catalog
