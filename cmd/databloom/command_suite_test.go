package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of hub callbacks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands through rootCmd against a throwaway config file.
// Every cmd/databloom suite should embed it.
type CommandTestSuite struct {
	suite.Suite
	ConfigPath string
}

func (s *CommandTestSuite) SetupTest() {
	s.ConfigPath = filepath.Join(s.T().TempDir(), "config.yaml")
}

// ExecuteCommand runs rootCmd with args and --config, returning stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandWithInput("", args...)
}

func (s *CommandTestSuite) ExecuteCommandWithInput(input string, args ...string) (string, string, error) {
	resetFlags(rootCmd)
	stdout, stderr := new(syncBuffer), new(syncBuffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(append(args, "--config", s.ConfigPath))
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag of cmd and its children to its default, since
// cobra keeps parsed values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
