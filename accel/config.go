package accel

import "os"

// Config of a Runtime.
type Config struct {
	// LockOSThread locks the goroutine that selects a device to its OS thread until the session is closed.
	// Drivers keep the current context per OS thread, and Go may otherwise move the goroutine between threads.
	//
	// Default is true, but it can be disabled by setting the environment variable "GOACCEL_NO_LOCK_OS_THREAD=1".
	// Disable it only for drivers that don't depend on thread state, like driver/simulated.
	LockOSThread bool
}

// DefaultConfig returns the configuration taking into account the environment variables.
func DefaultConfig() Config {
	return Config{
		LockOSThread: os.Getenv("GOACCEL_NO_LOCK_OS_THREAD") == "",
	}
}
