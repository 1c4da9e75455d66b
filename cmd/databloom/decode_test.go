package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/srg/databloom/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const capture = "1,600,22.5,120\n" +
	"2,601,22.4,119\r\n" +
	"garbage\n" +
	"4,602,22.3,118\n" +
	"4,602,22.3,118\n" +
	"1,600,22,120"

type DecodeTestSuite struct {
	CommandTestSuite
}

func (s *DecodeTestSuite) TestDecode_StdinToCSV() {
	stdout, stderr, err := s.ExecuteCommandWithInput(capture, "decode")
	s.Require().NoError(err)

	text := testutils.NewTextAsserter(s.T())
	text.Assert(stdout, `
1,600,22.5,120
2,601,22.4,119
4,602,22.3,118
4,602,22.3,118
1,600,22,120`[1:])
	text.Assert(stderr, "5 records, 1 malformed, 1 lost, 1 duplicates, 1 restarts")
	s.True(strings.HasSuffix(stdout, "\n"), "every record is terminated")
}

func (s *DecodeTestSuite) TestDecode_JSONLines() {
	stdout, _, err := s.ExecuteCommandWithInput("7,512,19.5,3\n", "decode", "--json")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	s.Require().Len(lines, 1)
	testutils.NewJSONAsserter(s.T()).Assert(lines[0], `{"seq":7,"moisture_raw":512,"temp_c":19.5,"light_raw":3}`)
}

func (s *DecodeTestSuite) TestDecode_File() {
	path := filepath.Join(s.T().TempDir(), "capture.csv")
	s.Require().NoError(os.WriteFile(path, []byte("10,1,2,3\n11,1,2,3\n13,1,2,3\n"), 0o644))

	stdout, stderr, err := s.ExecuteCommand("decode", path)
	s.Require().NoError(err)
	text := testutils.NewTextAsserter(s.T())
	text.Assert(stdout, "10,1,2,3\n11,1,2,3\n13,1,2,3")
	text.Assert(stderr, "3 records, 0 malformed, 1 lost, 0 duplicates, 0 restarts")
}

func (s *DecodeTestSuite) TestDecode_MissingFile() {
	_, _, err := s.ExecuteCommand("decode", filepath.Join(s.T().TempDir(), "nope.csv"))
	s.ErrorContains(err, "opening capture")
}

func TestDecodeTestSuite(t *testing.T) {
	suite.Run(t, new(DecodeTestSuite))
}
