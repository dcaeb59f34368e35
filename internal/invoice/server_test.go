package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/kontabot/internal/fiscal"
	"github.com/zombor/kontabot/internal/ledger"
)

type upload struct {
	filename    string
	contentType string
	data        string
}

// multipartBody builds a form with one "file" part per upload
func multipartBody(uploads ...upload) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	for _, u := range uploads {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+u.filename+`"`)
		if u.contentType != "" {
			h.Set("Content-Type", u.contentType)
		}
		part, err := writer.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte(u.data))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return &b, writer.FormDataContentType()
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

var _ = Describe("Server", func() {
	var (
		store       *mockStore
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		store = newMockStore()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(store, ledger.New(), scanner, storage, &mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("handleUploadDocuments", func() {
		var (
			uploads []upload
			owner   string
			resp    *http.Response
		)

		BeforeEach(func() {
			owner = "42"
			uploads = []upload{{filename: "factura.jpg", contentType: "image/jpeg", data: "fake image data"}}
		})

		JustBeforeEach(func() {
			body, contentType := multipartBody(uploads...)
			var err error
			resp, err = http.Post(ghttpServer.URL()+"/api/owners/"+owner+"/documents", contentType, body)
			Expect(err).NotTo(HaveOccurred())
		})

		When("a single document is uploaded", func() {
			It("should return status Created", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
			})

			It("returns the record, its summary and the pending count", func() {
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var result Result
				Expect(json.Unmarshal([]byte(readBody(resp)), &result)).To(Succeed())
				Expect(result.Record.NCF).To(Equal("B0100000001"))
				Expect(result.Record.OwnerID).To(Equal(int64(42)))
				Expect(result.Record.TotalAmount.StringFixed(2)).To(Equal("1150.00"))
				Expect(result.Summary).To(ContainSubstring("RNC/Cédula: 131234567"))
				Expect(result.Pending).To(Equal(1))
			})
		})

		When("the part has no content type", func() {
			BeforeEach(func() {
				uploads = []upload{{filename: "scan.PDF", data: "%PDF-1.4"}}
			})

			It("falls back to the file extension", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var result Result
				Expect(json.Unmarshal([]byte(readBody(resp)), &result)).To(Succeed())
				Expect(result.Record.ContentType).To(Equal("application/pdf"))
			})
		})

		When("several documents are uploaded", func() {
			BeforeEach(func() {
				uploads = []upload{
					{filename: "a.jpg", contentType: "image/jpeg", data: "a"},
					{filename: "b.heic", contentType: "image/heic", data: "fail"},
					{filename: "c.png", contentType: "image/png", data: "c"},
				}
			})

			It("reports each document", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var items []batchItem
				Expect(json.Unmarshal([]byte(readBody(resp)), &items)).To(Succeed())
				Expect(items).To(HaveLen(3))
				Expect(items[0].Result).NotTo(BeNil())
				Expect(items[1].Result).To(BeNil())
				Expect(items[1].Error).To(ContainSubstring("document could not be read"))
				Expect(items[2].Result).NotTo(BeNil())
			})
		})

		When("the file type is not supported", func() {
			BeforeEach(func() {
				uploads = []upload{{filename: "notes.txt", contentType: "text/plain", data: "hello"}}
			})

			It("should return status Unsupported Media Type", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
				Expect(readBody(resp)).To(ContainSubstring("Unsupported file type"))
			})

			It("does not scan or store anything", func() {
				resp.Body.Close()
				Expect(store.records).To(BeEmpty())
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("no file is sent", func() {
			BeforeEach(func() {
				uploads = nil
			})

			It("should return status Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(ContainSubstring("No file was selected"))
			})
		})

		When("the owner is not a number", func() {
			BeforeEach(func() {
				owner = "alice"
			})

			It("should return status Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("model unavailable")
			})

			It("should return status Bad Gateway", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var body map[string]string
				Expect(json.Unmarshal([]byte(readBody(resp)), &body)).To(Succeed())
				Expect(body["error"]).To(ContainSubstring("document could not be read"))
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.appendErr = errors.New("disk full")
			})

			It("tells the caller the record was not saved", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(readBody(resp)).To(ContainSubstring("not saved"))
			})
		})
	})

	Describe("handleSubmitText", func() {
		post := func(body string) *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/owners/42/text", "application/json", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("records the fields", func() {
			resp := post(`{"text": "NCF: B0200000001 TOTAL: 50.00"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var result Result
			Expect(json.Unmarshal([]byte(readBody(resp)), &result)).To(Succeed())
			Expect(result.Record.DocType).To(Equal(fiscal.DocTypeConsumer))
		})

		It("rejects blank text", func() {
			resp := post(`{"text": "   "}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("rejects malformed JSON", func() {
			resp := post(`{"text":`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(ContainSubstring("Invalid request body"))
		})
	})

	Describe("handleListRecords", func() {
		JustBeforeEach(func() {
			_, err := service.ProcessText(42, "NCF B0100000001")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.ProcessText(42, "NCF B0200000002")
			Expect(err).NotTo(HaveOccurred())
			service.ledger.MarkExported(service.PendingFor(42)[0])
		})

		get := func(query string) []fiscal.Record {
			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records" + query)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var records []fiscal.Record
			Expect(json.Unmarshal([]byte(readBody(resp)), &records)).To(Succeed())
			return records
		}

		It("returns the full history", func() {
			Expect(get("")).To(HaveLen(2))
		})

		It("filters pending records", func() {
			records := get("?status=pending")
			Expect(records).To(HaveLen(1))
			Expect(records[0].NCF).To(Equal("B0200000002"))
		})

		It("filters exported records", func() {
			records := get("?status=exported")
			Expect(records).To(HaveLen(1))
			Expect(records[0].NCF).To(Equal("B0100000001"))
		})

		It("rejects unknown statuses", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records?status=lost")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("handleListRecords for an unknown owner", func() {
		It("returns an empty array", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/owners/404/records")
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(readBody(resp))).To(Equal("[]"))
		})
	})

	Describe("handleGetRecordFile", func() {
		It("returns the original upload", func() {
			result, err := service.ProcessDocument(42, "scan.png", []byte("png bytes"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records/" + result.Record.ID + "/file")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(readBody(resp)).To(Equal("png bytes"))
		})

		It("returns Not Found for unknown records", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records/nope/file")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("returns Not Found for records that were submitted as text", func() {
			result, err := service.ProcessText(42, "NCF B0200000002 TOTAL 50.00")
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records/" + result.Record.ID + "/file")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(readBody(resp)).To(ContainSubstring("record not found"))
		})
	})

	Describe("handleExport", func() {
		exportURL := func() string {
			return ghttpServer.URL() + "/api/owners/42/exports"
		}

		When("records are pending", func() {
			JustBeforeEach(func() {
				_, err := service.ProcessText(42, "RNC 131234567 NCF B0100000001 01/01/2024 ITBIS 150.00 TOTAL 1,150.00")
				Expect(err).NotTo(HaveOccurred())
			})

			It("downloads the ledger file", func() {
				resp, err := http.Post(exportURL(), "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("text/plain; charset=utf-8"))
				Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename=Registros_1.txt`))
				Expect(resp.Header.Get("X-Record-Count")).To(Equal("1"))
				Expect(readBody(resp)).To(Equal(
					"RNC|NCF|FECHA|MONTO_ITBIS|MONTO_TOTAL|TIPO_DOC\n" +
						"131234567|B0100000001|01/01/2024|150.00|1150.00|TYPE_A_CREDIT\n"))
				Expect(service.PendingFor(42)).To(BeEmpty())
			})
		})

		When("nothing is pending", func() {
			It("should return status Not Found", func() {
				resp, err := http.Post(exportURL(), "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(readBody(resp)).To(ContainSubstring("no pending records"))
			})
		})
	})

	Describe("handleHelp", func() {
		It("describes the commands", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/help")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := readBody(resp)
			Expect(body).To(ContainSubstring("/api/owners/{owner}/exports"))
			Expect(body).To(ContainSubstring("Registros_<count>.txt"))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/owners/42/documents", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "contador", Password: "secreto"}
		})

		It("rejects requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/owners/42/records")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Kontabot"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/owners/42/records", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("contador", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/owners/42/records", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("contador", "secreto")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves help public", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/help")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
