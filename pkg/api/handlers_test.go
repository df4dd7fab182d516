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

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/control"
	"github.com/ckoons/argod/pkg/standarderrors"
	"github.com/ckoons/argod/pkg/workflow"
)

var _ = Describe("API routes", func() {
	var (
		fake      *fakeWorkflows
		router    *gin.Engine
		shutdowns int
	)

	BeforeEach(func() {
		fake = &fakeWorkflows{}
		stats := &fakeStats{stats: control.Stats{
			Uptime:   90 * time.Second,
			TaskRuns: map[string]uint64{"workflow_completion": 12, "workflow_timeout": 9},
		}}
		shutdowns = 0

		cfg := DefaultConfig()
		cfg.DefaultTimeout = 45 * time.Minute
		cfg.DefaultMaxRetries = 7

		srv, err := NewServer(fake, stats, func() { shutdowns++ }, cfg)
		Expect(err).NotTo(HaveOccurred())
		router = srv.buildRouter()
	})

	Describe("GET /api/health", func() {
		It("reports service identity and scheduler stats", func() {
			rec := perform(router, http.MethodGet, "/api/health", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("ok"))
			Expect(body["service"]).To(Equal("argo-daemon"))
			Expect(body["version"]).To(Equal(constants.DefaultAppVersion))
			Expect(body["uptime_seconds"]).To(Equal(float64(90)))

			runs, ok := body["task_runs"].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(runs["workflow_completion"]).To(Equal(float64(12)))
			Expect(runs["workflow_timeout"]).To(Equal(float64(9)))
		})

		It("includes gathered counter totals", func() {
			rec := perform(router, http.MethodGet, "/api/health", nil)

			body := decodeBody(rec)
			Expect(body).To(HaveKey("counters"))
			_, ok := body["counters"].(map[string]interface{})
			Expect(ok).To(BeTrue())
		})
	})

	Describe("GET /api/version", func() {
		It("reports the build and API versions", func() {
			rec := perform(router, http.MethodGet, "/api/version", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["version"]).To(Equal(constants.DefaultAppVersion))
			Expect(body["api_version"]).To(Equal("1"))
		})
	})

	Describe("POST /api/shutdown", func() {
		It("acknowledges and fires the shutdown callback", func() {
			rec := perform(router, http.MethodPost, "/api/shutdown", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["status"]).To(Equal("shutting down"))
			Expect(shutdowns).To(Equal(1))
		})
	})

	Describe("POST /api/workflow/start", func() {
		It("forwards the full request to the manager", func() {
			var got workflow.StartRequest
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				got = req

				return runningSnapshot(req.WorkflowID), nil
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":          "/opt/argo/workflows/deploy.sh",
				"args":            []string{"--env", "staging"},
				"env":             map[string]string{"REGION": "us-east"},
				"workflow_id":     "wf-deploy",
				"timeout_seconds": 120,
				"max_retries":     1,
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("success"))
			Expect(body["workflow_id"]).To(Equal("wf-deploy"))

			Expect(got.Script).To(Equal("/opt/argo/workflows/deploy.sh"))
			Expect(got.Args).To(Equal([]string{"--env", "staging"}))
			Expect(got.Env).To(Equal(map[string]string{"REGION": "us-east"}))
			Expect(got.Timeout).To(Equal(2 * time.Minute))
			Expect(got.MaxRetries).To(Equal(1))
		})

		It("resolves absent timeout and retry fields to the configured defaults", func() {
			var got workflow.StartRequest
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				got = req

				return runningSnapshot(req.WorkflowID), nil
			}

			perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":      "/opt/argo/workflows/build.sh",
				"workflow_id": "wf-defaults",
			})

			Expect(got.Timeout).To(Equal(45 * time.Minute))
			Expect(got.MaxRetries).To(Equal(7))
		})

		It("keeps an explicit zero distinct from an absent field", func() {
			var got workflow.StartRequest
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				got = req

				return runningSnapshot(req.WorkflowID), nil
			}

			perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":          "/opt/argo/workflows/build.sh",
				"workflow_id":     "wf-zeroes",
				"timeout_seconds": 0,
				"max_retries":     0,
			})

			Expect(got.Timeout).To(BeZero())
			Expect(got.MaxRetries).To(BeZero())
		})

		It("generates a prefixed ID when the request omits one", func() {
			var got workflow.StartRequest
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				got = req

				return runningSnapshot(req.WorkflowID), nil
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script": "/opt/argo/workflows/build.sh",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(got.WorkflowID).To(HavePrefix("wf_"))
			Expect(len(got.WorkflowID)).To(Equal(len("wf_") + 8))
			Expect(decodeBody(rec)["workflow_id"]).To(Equal(got.WorkflowID))
		})

		It("rejects a body without a script", func() {
			called := false
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				called = true

				return workflow.Snapshot{}, nil
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"workflow_id": "wf-empty",
			})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("error"))
			Expect(body["message"]).To(Equal("missing 'script' field"))
			Expect(called).To(BeFalse())
		})

		It("rejects malformed JSON", func() {
			rec := performRaw(router, http.MethodPost, "/api/workflow/start", "{not json")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(rec)["message"]).To(Equal("invalid request body"))
		})

		It("maps a duplicate ID to 409", func() {
			fake.StartFunc = func(req workflow.StartRequest) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("workflow %q already registered: %w",
					req.WorkflowID, standarderrors.ErrDuplicate)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":      "/opt/argo/workflows/build.sh",
				"workflow_id": "wf-dup",
			})

			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(decodeBody(rec)["message"]).To(ContainSubstring("already registered"))
		})

		It("maps a validation failure to 400", func() {
			fake.StartFunc = func(workflow.StartRequest) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("script path contains shell metacharacters: %w",
					standarderrors.ErrInvalidInput)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":      "/tmp/evil;rm.sh",
				"workflow_id": "wf-meta",
			})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps a spawn failure to 500", func() {
			fake.StartFunc = func(workflow.StartRequest) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("starting process: %w", standarderrors.ErrProcess)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":      "/opt/argo/workflows/build.sh",
				"workflow_id": "wf-boom",
			})

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /api/workflow/list", func() {
		It("returns every snapshot", func() {
			fake.ListFunc = func() []workflow.Snapshot {
				return []workflow.Snapshot{
					runningSnapshot("wf-a"),
					{WorkflowID: "wf-b", State: "completed", ExitCode: 0},
				}
			}

			rec := perform(router, http.MethodGet, "/api/workflow/list", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			workflows, ok := decodeBody(rec)["workflows"].([]interface{})
			Expect(ok).To(BeTrue())
			Expect(workflows).To(HaveLen(2))

			first, ok := workflows[0].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(first["workflow_id"]).To(Equal("wf-a"))
			Expect(first["state"]).To(Equal("running"))
			Expect(first["pid"]).To(Equal(float64(4001)))
		})

		It("serializes an empty registry as an empty array", func() {
			rec := perform(router, http.MethodGet, "/api/workflow/list", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"workflows":[]`))
		})
	})

	Describe("GET /api/workflow/status/:id", func() {
		It("returns the full snapshot", func() {
			fake.StatusFunc = func(id string) (workflow.Snapshot, error) {
				snap := runningSnapshot(id)
				snap.CurrentStep = 3
				snap.TotalSteps = 10
				snap.StepName = "build"

				return snap, nil
			}

			rec := perform(router, http.MethodGet, "/api/workflow/status/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["workflow_id"]).To(Equal("wf-a"))
			Expect(body["state"]).To(Equal("running"))
			Expect(body["current_step"]).To(Equal(float64(3)))
			Expect(body["total_steps"]).To(Equal(float64(10)))
			Expect(body["step_name"]).To(Equal("build"))
		})

		It("maps an unknown ID to 404", func() {
			fake.StatusFunc = func(id string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("workflow %q: %w", id, standarderrors.ErrNotFound)
			}

			rec := perform(router, http.MethodGet, "/api/workflow/status/wf-missing", nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decodeBody(rec)["status"]).To(Equal("error"))
		})
	})

	Describe("POST /api/workflow/pause/:id", func() {
		It("acknowledges with the paused action", func() {
			rec := perform(router, http.MethodPost, "/api/workflow/pause/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("success"))
			Expect(body["workflow_id"]).To(Equal("wf-a"))
			Expect(body["action"]).To(Equal("paused"))
		})

		It("maps an invalid state to 409", func() {
			fake.PauseFunc = func(id string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("workflow %q is completed: %w",
					id, standarderrors.ErrInvalidState)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/pause/wf-done", nil)

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /api/workflow/resume/:id", func() {
		It("acknowledges with the resumed action", func() {
			rec := perform(router, http.MethodPost, "/api/workflow/resume/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["action"]).To(Equal("resumed"))
		})

		It("maps an invalid state to 409", func() {
			fake.ResumeFunc = func(id string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("workflow %q is running: %w",
					id, standarderrors.ErrInvalidState)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/resume/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("DELETE /api/workflow/abandon/:id", func() {
		It("acknowledges with the abandoned action", func() {
			var abandoned string
			fake.AbandonFunc = func(id string) (workflow.Snapshot, error) {
				abandoned = id
				snap := runningSnapshot(id)
				snap.AbandonRequested = true

				return snap, nil
			}

			rec := perform(router, http.MethodDelete, "/api/workflow/abandon/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("success"))
			Expect(body["action"]).To(Equal("abandoned"))
			Expect(abandoned).To(Equal("wf-a"))
		})

		It("maps an unknown ID to 404", func() {
			fake.AbandonFunc = func(id string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("workflow %q: %w", id, standarderrors.ErrNotFound)
			}

			rec := perform(router, http.MethodDelete, "/api/workflow/abandon/wf-missing", nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/workflow/input/:id", func() {
		It("forwards decoded text verbatim and reports bytes written", func() {
			var gotID string
			var gotData []byte
			fake.InputFunc = func(id string, data []byte) (int, error) {
				gotID = id
				gotData = data

				return len(data), nil
			}

			rec := perform(router, http.MethodPost, "/api/workflow/input/wf-a", gin.H{
				"input": "line1\nline2",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("success"))
			Expect(body["workflow_id"]).To(Equal("wf-a"))
			Expect(body["bytes_written"]).To(Equal(float64(len("line1\nline2"))))

			Expect(gotID).To(Equal("wf-a"))
			Expect(gotData).To(Equal([]byte("line1\nline2")))
		})

		It("rejects a body without input text", func() {
			rec := perform(router, http.MethodPost, "/api/workflow/input/wf-a", gin.H{})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(rec)["message"]).To(Equal("missing 'input' field"))
		})

		It("maps a workflow without stdin to 409", func() {
			fake.InputFunc = func(id string, data []byte) (int, error) {
				return 0, fmt.Errorf("workflow %q has no stdin: %w", id, standarderrors.ErrInvalidState)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/input/wf-a", gin.H{
				"input": "hello",
			})

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /api/workflow/progress/:id", func() {
		It("updates the progress counters", func() {
			var gotStep, gotTotal int
			var gotName string
			fake.ProgressFunc = func(id string, currentStep, totalSteps int, stepName string) (workflow.Snapshot, error) {
				gotStep = currentStep
				gotTotal = totalSteps
				gotName = stepName

				return runningSnapshot(id), nil
			}

			rec := perform(router, http.MethodPost, "/api/workflow/progress/wf-a", gin.H{
				"current_step": 3,
				"total_steps":  10,
				"step_name":    "build",
			})

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("success"))
			Expect(body["workflow_id"]).To(Equal("wf-a"))

			Expect(gotStep).To(Equal(3))
			Expect(gotTotal).To(Equal(10))
			Expect(gotName).To(Equal("build"))
		})

		It("maps an out-of-range step to 400", func() {
			fake.ProgressFunc = func(id string, currentStep, totalSteps int, stepName string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("current step %d exceeds total %d: %w",
					currentStep, totalSteps, standarderrors.ErrInvalidInput)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/progress/wf-a", gin.H{
				"current_step": 11,
				"total_steps":  10,
			})

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/workflow/output/:id", func() {
		It("returns content from the requested offset with the next offset", func() {
			var gotOffset int64
			fake.OutputFunc = func(id string, offset int64) ([]byte, int64, error) {
				gotOffset = offset

				return []byte("hello\n"), offset + 6, nil
			}

			rec := perform(router, http.MethodGet, "/api/workflow/output/wf-a?since=100", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["workflow_id"]).To(Equal("wf-a"))
			Expect(body["offset"]).To(Equal(float64(106)))
			Expect(body["content"]).To(Equal("hello\n"))
			Expect(gotOffset).To(Equal(int64(100)))
		})

		It("defaults the offset to zero", func() {
			var gotOffset int64 = -1
			fake.OutputFunc = func(id string, offset int64) ([]byte, int64, error) {
				gotOffset = offset

				return []byte("x"), 1, nil
			}

			perform(router, http.MethodGet, "/api/workflow/output/wf-a", nil)

			Expect(gotOffset).To(BeZero())
		})

		It("answers 204 when nothing new arrived", func() {
			rec := perform(router, http.MethodGet, "/api/workflow/output/wf-a?since=500", nil)

			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Body.Len()).To(BeZero())
		})

		It("rejects a malformed offset", func() {
			rec := perform(router, http.MethodGet, "/api/workflow/output/wf-a?since=soon", nil)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(rec)["message"]).To(Equal("invalid 'since' offset"))
		})

		It("rejects a negative offset", func() {
			rec := perform(router, http.MethodGet, "/api/workflow/output/wf-a?since=-5", nil)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps an unknown ID to 404", func() {
			fake.OutputFunc = func(id string, offset int64) ([]byte, int64, error) {
				return nil, 0, fmt.Errorf("workflow %q: %w", id, standarderrors.ErrNotFound)
			}

			rec := perform(router, http.MethodGet, "/api/workflow/output/wf-missing", nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("error mapping", func() {
		It("maps a resource limit to 429", func() {
			fake.StartFunc = func(workflow.StartRequest) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, fmt.Errorf("too many workflows: %w", standarderrors.ErrResourceLimit)
			}

			rec := perform(router, http.MethodPost, "/api/workflow/start", gin.H{
				"script":      "/opt/argo/workflows/build.sh",
				"workflow_id": "wf-full",
			})

			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		})

		It("maps an unclassified error to 500", func() {
			fake.StatusFunc = func(string) (workflow.Snapshot, error) {
				return workflow.Snapshot{}, errors.New("disk on fire")
			}

			rec := perform(router, http.MethodGet, "/api/workflow/status/wf-a", nil)

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			body := decodeBody(rec)
			Expect(body["status"]).To(Equal("error"))
			Expect(body["message"]).To(Equal("disk on fire"))
		})
	})
})
