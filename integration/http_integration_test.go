package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// getBaseURL returns the base URL for API calls.
// Uses COURIER_BASE_URL env var if set (for container tests),
// otherwise defaults to localhost:8080.
func getBaseURL() string {
	if url := os.Getenv("COURIER_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// doRequest performs an HTTP request and returns the response.
func doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, getBaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient().Do(req)
}

// parseResponse parses JSON response into target.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// errorCode extracts error.code from an error response.
func errorCode(resp *http.Response) string {
	var result struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	Expect(parseResponse(resp, &result)).To(Succeed())
	return result.Error.Code
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	BeforeAll(func() {
		resp, err := doRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", getBaseURL(), err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	Describe("Health Check", func() {
		It("reports service and broker status", func() {
			resp, err := doRequest(http.MethodGet, "/healthz", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Data map[string]string `json:"data"`
			}
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result.Data["status"]).To(BeElementOf("healthy", "degraded"))
			Expect(result.Data["broker"]).To(BeElementOf("available", "unavailable"))
		})
	})

	Describe("Messages API", func() {
		DescribeTable("accepts valid messages",
			func(typ, topic string, payload map[string]interface{}) {
				resp, err := doRequest(http.MethodPost, "/v1/messages", map[string]interface{}{
					"type":    typ,
					"payload": payload,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var result struct {
					Data map[string]string `json:"data"`
				}
				Expect(parseResponse(resp, &result)).To(Succeed())
				Expect(result.Data["topic"]).To(Equal(topic))
			},
			Entry("sms", "SMS", "sms", map[string]interface{}{
				"phone_number": "+15550100", "message": "integration",
			}),
			Entry("otp email", "OTP_EMAIL", "emails", map[string]interface{}{
				"to": "it@example.com", "code": "123456",
			}),
			Entry("notification fan-out", "NOTIFICATION", "notifications", map[string]interface{}{
				"channel": "BOTH", "user_id": "it-user", "title": "Hello",
				"message": "From the integration suite", "email": "it@example.com",
			}),
		)

		It("rejects unknown types", func() {
			resp, err := doRequest(http.MethodPost, "/v1/messages", map[string]interface{}{
				"type":    "PUSH",
				"payload": map[string]string{},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorCode(resp)).To(Equal("VALIDATION_FAILED"))
		})

		It("rejects payloads missing required fields", func() {
			resp, err := doRequest(http.MethodPost, "/v1/messages", map[string]interface{}{
				"type":    "EMAIL",
				"payload": map[string]string{"subject": "no recipient"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorCode(resp)).To(Equal("VALIDATION_FAILED"))
		})
	})

	Describe("Outbox API", func() {
		It("lists envelopes as an array", func() {
			resp, err := doRequest(http.MethodGet, "/v1/outbox?limit=10", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Success bool              `json:"success"`
				Data    []json.RawMessage `json:"data"`
			}
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result.Success).To(BeTrue())
			Expect(len(result.Data)).To(BeNumerically("<=", 10))
		})

		It("rejects an invalid status filter", func() {
			resp, err := doRequest(http.MethodGet, "/v1/outbox?status=DONE", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("returns 404 for unknown envelopes", func() {
			resp, err := doRequest(http.MethodGet, "/v1/outbox/does-not-exist", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorCode(resp)).To(Equal("NOT_FOUND"))

			resp, err = doRequest(http.MethodPost, "/v1/outbox/does-not-exist/retry", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("requeues a stored envelope", func() {
			resp, err := doRequest(http.MethodGet, "/v1/outbox?limit=1", nil)
			Expect(err).NotTo(HaveOccurred())

			var listed struct {
				Data []struct {
					ID      string `json:"id"`
					Version int64  `json:"version"`
				} `json:"data"`
			}
			Expect(parseResponse(resp, &listed)).To(Succeed())
			if len(listed.Data) == 0 {
				Skip("outbox is empty; nothing to requeue")
			}
			env := listed.Data[0]

			resp, err = doRequest(http.MethodPost, "/v1/outbox/"+env.ID+"/retry", nil)
			Expect(err).NotTo(HaveOccurred())
			if resp.StatusCode == http.StatusNotFound {
				resp.Body.Close()
				Skip("envelope was delivered before it could be requeued")
			}
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var requeued struct {
				Data struct {
					Status   string `json:"status"`
					Attempts int    `json:"attempts"`
				} `json:"data"`
			}
			Expect(parseResponse(resp, &requeued)).To(Succeed())
			Expect(requeued.Data.Status).To(Equal("NEW"))
			Expect(requeued.Data.Attempts).To(Equal(0))
		})
	})

	Describe("Metrics", func() {
		It("exposes prometheus metrics", func() {
			resp, err := doRequest(http.MethodGet, "/metrics", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("courier_"))
		})
	})
})
