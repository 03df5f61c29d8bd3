package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service gracefully (SIGTERM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningProcess(syscall.SIGTERM)
		},
	}
}

func newForceStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force-stop",
		Short: "Stop the running service immediately (SIGKILL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningProcess(syscall.SIGKILL)
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the running service and wait for it to exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				return err
			}
			if err := signalRunningProcess(syscall.SIGTERM); err != nil {
				return err
			}
			for i := 0; i < 50; i++ {
				if !processAlive(pid) {
					fmt.Println("stopped; start a new instance with 'confd start'")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("process %d did not exit within 5s", pid)
		},
	}
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running service to reload its configuration (SIGHUP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningProcess(syscall.SIGHUP)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the service is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				fmt.Println("stopped")
				return err
			}
			if !processAlive(pid) {
				fmt.Println("stopped (stale pid file)")
				return fmt.Errorf("pid %d not running", pid)
			}
			fmt.Printf("running (pid %d)\n", pid)
			return nil
		},
	}
}
