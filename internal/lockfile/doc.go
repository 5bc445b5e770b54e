// Package lockfile enforces that at most one bridge process runs per
// deployment.
//
// The lock is a small JSON file naming the holder's pid and acquisition
// time. A holder is live iff that pid corresponds to a running process;
// stale records (holder crashed without releasing) are reclaimed
// automatically on the next startup, so a crash never requires manual
// cleanup.
//
// Cross-process exclusion lives here, on the filesystem, rather than in
// any in-process singleton: the real requirement is that two processes
// never consume the same queue, and only a shared external record can
// guarantee that.
package lockfile
