// Copyright 2025 Casey Koons
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cactus/tai64"
	"github.com/klauspost/compress/gzip"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

var _ = Describe("LogManager", func() {
	var (
		fs     filesystem.Service
		ctx    context.Context
		tmpDir string
	)

	BeforeEach(func() {
		fs = filesystem.NewDefaultService()
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
	})

	Describe("Path", func() {
		It("maps a workflow id to its log file", func() {
			lm := supervisor.NewLogManager(tmpDir)
			Expect(lm.Path("wf-1")).To(Equal(filepath.Join(tmpDir, "wf-1.log")))
		})
	})

	Describe("AppendRetryMarker", func() {
		It("appends the attempt banner after existing content", func() {
			lm := supervisor.NewLogManager(tmpDir)
			logPath := lm.Path("wf-retry")
			Expect(os.WriteFile(logPath, []byte("first attempt output\n"), 0o644)).To(Succeed())

			Expect(lm.AppendRetryMarker("wf-retry", 2, 3)).To(Succeed())

			content, err := os.ReadFile(logPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(content)).To(Equal("first attempt output\n\n=== RETRY ATTEMPT 2/3 ===\n\n"))
		})

		It("creates the log file when none exists yet", func() {
			lm := supervisor.NewLogManager(tmpDir)
			Expect(lm.AppendRetryMarker("wf-new", 1, 3)).To(Succeed())

			content, err := os.ReadFile(lm.Path("wf-new"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("=== RETRY ATTEMPT 1/3 ==="))
		})
	})

	Describe("ReadOutput", func() {
		It("reads incrementally from a byte offset", func() {
			lm := supervisor.NewLogManager(tmpDir)
			logPath := lm.Path("wf-out")
			Expect(os.WriteFile(logPath, []byte("line one\n"), 0o644)).To(Succeed())

			chunk, offset, err := lm.ReadOutput(ctx, fs, "wf-out", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(chunk)).To(Equal("line one\n"))

			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
			Expect(err).ToNot(HaveOccurred())
			_, err = f.WriteString("line two\n")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			chunk, _, err = lm.ReadOutput(ctx, fs, "wf-out", offset)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(chunk)).To(Equal("line two\n"))
		})
	})

	Describe("Rotate", func() {
		It("archives and compresses an oversized inactive log", func() {
			lm := supervisor.NewLogManager(tmpDir,
				supervisor.WithRotationThresholds(time.Hour, 16))
			logPath := lm.Path("wf-big")
			payload := strings.Repeat("x", 64)
			Expect(os.WriteFile(logPath, []byte(payload), 0o644)).To(Succeed())

			Expect(lm.Rotate(ctx, fs, nil)).To(Succeed())

			_, err := os.Stat(logPath)
			Expect(os.IsNotExist(err)).To(BeTrue())

			matches, err := filepath.Glob(filepath.Join(tmpDir, "wf-big.*.log.gz"))
			Expect(err).ToNot(HaveOccurred())
			Expect(matches).To(HaveLen(1))

			f, err := os.Open(matches[0])
			Expect(err).ToNot(HaveOccurred())
			defer f.Close()
			gz, err := gzip.NewReader(f)
			Expect(err).ToNot(HaveOccurred())
			defer gz.Close()
			decompressed := make([]byte, 128)
			n, _ := gz.Read(decompressed)
			Expect(string(decompressed[:n])).To(Equal(payload))
		})

		It("leaves archives uncompressed when compression is off", func() {
			lm := supervisor.NewLogManager(tmpDir,
				supervisor.WithRotationThresholds(time.Hour, 16),
				supervisor.WithCompression(false))
			Expect(os.WriteFile(lm.Path("wf-plain"), []byte(strings.Repeat("x", 64)), 0o644)).To(Succeed())

			Expect(lm.Rotate(ctx, fs, nil)).To(Succeed())

			matches, err := filepath.Glob(filepath.Join(tmpDir, "wf-plain.*.log"))
			Expect(err).ToNot(HaveOccurred())
			Expect(matches).To(HaveLen(1))
			Expect(matches[0]).ToNot(HaveSuffix(".gz"))
		})

		It("never touches the log of an active workflow", func() {
			lm := supervisor.NewLogManager(tmpDir,
				supervisor.WithRotationThresholds(time.Hour, 16))
			logPath := lm.Path("wf-live")
			Expect(os.WriteFile(logPath, []byte(strings.Repeat("x", 64)), 0o644)).To(Succeed())

			active := map[string]struct{}{"wf-live": {}}
			Expect(lm.Rotate(ctx, fs, active)).To(Succeed())

			_, err := os.Stat(logPath)
			Expect(err).ToNot(HaveOccurred())
		})

		It("skips logs under both thresholds", func() {
			lm := supervisor.NewLogManager(tmpDir)
			logPath := lm.Path("wf-small")
			Expect(os.WriteFile(logPath, []byte("tiny"), 0o644)).To(Succeed())

			Expect(lm.Rotate(ctx, fs, nil)).To(Succeed())

			_, err := os.Stat(logPath)
			Expect(err).ToNot(HaveOccurred())
		})

		It("prunes the oldest archives beyond the keep count", func() {
			lm := supervisor.NewLogManager(tmpDir,
				supervisor.WithKeepCount(2),
				supervisor.WithCompression(false))

			base := time.Now().Add(-time.Hour)
			var names []string
			for i := 0; i < 4; i++ {
				label := strings.TrimPrefix(tai64.FormatNano(base.Add(time.Duration(i)*time.Minute)), "@")
				name := "wf-old." + label + ".log"
				Expect(os.WriteFile(filepath.Join(tmpDir, name), []byte("archived"), 0o644)).To(Succeed())
				names = append(names, name)
			}

			Expect(lm.Rotate(ctx, fs, nil)).To(Succeed())

			for _, name := range names[:2] {
				_, err := os.Stat(filepath.Join(tmpDir, name))
				Expect(os.IsNotExist(err)).To(BeTrue(), "oldest archive %s must be pruned", name)
			}
			for _, name := range names[2:] {
				_, err := os.Stat(filepath.Join(tmpDir, name))
				Expect(err).ToNot(HaveOccurred(), "newest archive %s must survive", name)
			}
		})
	})
})
