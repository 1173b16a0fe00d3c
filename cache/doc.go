// Package cache provides bounded in-memory LRU cache with pluggable write policy
// to backing store.
//
// Key space is split into lanes (see package lane). Every operation on key is
// executed by the key lane, so operations on the same key are totally ordered,
// while operations on keys of different lanes run in parallel.
//
// Capacity is global, as well as LRU order: tracker holds all keys in one
// recency list under one lock. When put of new key finds cache full, tracker
// evicts global least recently used key and passes its slot to new key.
// Victim is removed from store by victim lane: directly, if it is the same lane,
// or by priority task that putting lane awaits. That await is the only place
// where lane waits for another one. Priority tasks never wait, and awaiting lane
// executes priority tasks addressed to it, so lanes evicting keys of each other
// can't deadlock.
//
// Write policy decides how put reaches backing store: write through returns
// after backing store write, write behind queues it.
package cache
