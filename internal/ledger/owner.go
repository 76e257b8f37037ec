package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// statStartTimeField is the index of starttime among the /proc/<pid>/stat
// fields that follow the parenthesised command name.
const statStartTimeField = 19

// Owner identifies the harness process that launched an instance.
type Owner struct {
	PID int `json:"pid"`
	// StartTime is the owner's start time in clock ticks after boot. It
	// tells a live owner apart from an unrelated process reusing the PID.
	StartTime uint64 `json:"start_time,omitempty"`
}

// Self returns the Owner describing the calling process.
func Self() Owner {
	pid := os.Getpid()
	start, _ := processStartTime(pid)
	return Owner{PID: pid, StartTime: start}
}

// Alive reports whether the owner process is still running. Records written
// without an owner have none.
func (o Owner) Alive() bool {
	if o.PID <= 0 {
		return false
	}
	if err := unix.Kill(o.PID, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if o.StartTime == 0 {
		return true
	}
	start, err := processStartTime(o.PID)
	return err == nil && start == o.StartTime
}

func processStartTime(pid int) (uint64, error) {
	data, err := os.ReadFile(procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	// The command name may contain spaces and parentheses.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := bytes.Fields(data[i+1:])
	if len(fields) <= statStartTimeField {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(string(fields[statStartTimeField]), 10, 64)
}
