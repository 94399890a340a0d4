//go:build windows

package tracker

import "os"

// getInode has no portable equivalent on windows; rotation is detected by size
func getInode(fi os.FileInfo) uint64 {
	return 0
}
