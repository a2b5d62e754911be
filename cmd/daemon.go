// daemon.go: background process management for dispatchd serve.
//
// Usage:
//
//	dispatchd serve start   # start as background daemon
//	dispatchd serve stop    # send SIGTERM and wait
//	dispatchd serve reload  # send SIGHUP (reload rules file)
//	dispatchd serve         # run in the foreground
//
// Channels live in process memory, so there is exactly one process.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/dispatchd/internal/config"
)

const (
	pidFileName = "dispatchd.pid"
	logFileName = "dispatchd.log"
)

func init() {
	serveCmd.AddCommand(startCmd)
	serveCmd.AddCommand(stopCmd)
	serveCmd.AddCommand(reloadCmd)
}

// --- PID file helpers ---

func pidFilePath() string {
	return filepath.Join(config.GetHomeDir(), pidFileName)
}

func writePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// isRunning checks if a process with the given PID is alive.
func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// getRunningPID returns the PID of a live dispatchd, cleaning up stale files.
func getRunningPID() (int, bool) {
	pid, err := readPID()
	if err != nil {
		return 0, false
	}
	if !isRunning(pid) {
		removePID()
		return 0, false
	}
	return pid, true
}

func signalRunning(sig syscall.Signal) (int, error) {
	pid, ok := getRunningPID()
	if !ok {
		return 0, errors.New("dispatchd is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	return pid, proc.Signal(sig)
}

// --- Commands ---

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start dispatchd as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := getRunningPID(); ok {
			return fmt.Errorf("dispatchd is already running (PID %d)", pid)
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot find executable: %w", err)
		}

		logPath := filepath.Join(config.GetHomeDir(), logFileName)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		defer logFile.Close()

		// The child re-reads flags that were set explicitly on this command.
		childArgs := []string{"serve"}
		if configFile != "" {
			childArgs = append(childArgs, "--config", configFile)
		}
		for _, name := range []string{"port", "api-key", "rules", "tick"} {
			if f := serveCmd.Flags().Lookup(name); f != nil && f.Changed {
				childArgs = append(childArgs, "--"+name, f.Value.String())
			}
		}

		child := exec.Command(exe, childArgs...)
		child.Stdout = logFile
		child.Stderr = logFile
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := child.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		pid := child.Process.Pid
		child.Process.Release()

		fmt.Printf("✅ dispatchd started (PID %d)\n", pid)
		fmt.Printf("   Log: %s\n", logPath)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dispatchd",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalRunning(syscall.SIGTERM)
		if err != nil {
			fmt.Printf("ℹ️ %v\n", err)
			return nil
		}
		fmt.Printf("🛑 Stopping dispatchd (PID %d)...\n", pid)

		deadline := time.Now().Add(15 * time.Second)
		for isRunning(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("dispatchd (PID %d) did not stop in time", pid)
			}
			time.Sleep(200 * time.Millisecond)
		}
		removePID()
		fmt.Println("✅ Stopped")
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Send SIGHUP to reload the rules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalRunning(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Reload signal sent (PID %d)\n", pid)
		return nil
	},
}
