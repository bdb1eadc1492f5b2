// Package storage keeps a history of relay runs. It is write-mostly: the scheduler never
// reads it, it only serves operators inspecting past runs.
package storage
