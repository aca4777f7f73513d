// Package model holds the fleet entities shared by every component:
// hosts, clusters, storage links, and the inventory snapshot returned to callers.
package model
