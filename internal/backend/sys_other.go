//go:build !unix

package backend

const mmapSupported = false

func mlockSupported() bool { return false }

func numaNodes() int { return 1 }
