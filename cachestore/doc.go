// Component for short-lived string values with a fixed TTL, used to remember which messages a sibling service has already declared as handled.
//
// Includes an interface and implementations using redis and in-process memory.
package cachestore
