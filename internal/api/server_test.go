package api

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func newTestEcho() *echo.Echo {
	server := NewServer(NewSessionStore(), nil, nil)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v body=%s", out, err, rec.Body.String())
	}
	return out
}

func createCalibrator(t *testing.T, e *echo.Echo, body string) CalibratorResponse {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/v1/calibrators", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	return decode[CalibratorResponse](t, rec)
}

func TestCalibratorLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	created := createCalibrator(t, e, `{"axis":[0],"track_history":true}`)
	if !strings.HasPrefix(created.ID, "calib_") {
		t.Fatalf("unexpected id format: %q", created.ID)
	}
	if created.State != "idle" || created.Amax != nil {
		t.Fatalf("expected idle calibrator without amax, got %+v", created)
	}

	base := "/v1/calibrators/" + created.ID
	rec := doJSON(t, e, http.MethodPost, base+"/collect", `{"tensor":{"shape":[2,3],"data":[1,-2,0.5,3,0,-1]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("collect status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodPost, base+"/collect", `{"tensor":{"shape":[2,3],"data":[0,4,0,0,0,-0.5]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("collect status: got %d body=%s", rec.Code, rec.Body.String())
	}

	got := decode[CalibratorResponse](t, doJSON(t, e, http.MethodGet, base, ""))
	if got.State != "collecting" || got.Batches != 2 || got.History != 2 {
		t.Fatalf("unexpected calibrator: %+v", got)
	}
	if got.Amax == nil || len(got.Amax.Data) != 2 || got.Amax.Data[0] != 4 || got.Amax.Data[1] != 3 {
		t.Fatalf("unexpected amax: %+v", got.Amax)
	}

	reset := decode[CalibratorResponse](t, doJSON(t, e, http.MethodPost, base+"/reset", ""))
	if reset.State != "idle" || reset.Batches != 0 || reset.Amax != nil {
		t.Fatalf("unexpected calibrator after reset: %+v", reset)
	}

	delRec := doJSON(t, e, http.MethodDelete, base, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, base, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCalibratorErrorMapping(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	created := createCalibrator(t, e, `{}`)
	base := "/v1/calibrators/" + created.ID

	rec := doJSON(t, e, http.MethodPost, base+"/collect", `{"tensor":{"shape":[2],"data":[1,"NaN"]}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for NaN batch, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "calibration_error") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	// The failed session rejects further data until reset.
	rec = doJSON(t, e, http.MethodPost, base+"/collect", `{"tensor":{"shape":[2],"data":[1,2]}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for failed session, got %d body=%s", rec.Code, rec.Body.String())
	}
	doJSON(t, e, http.MethodPost, base+"/reset", "")

	rec = doJSON(t, e, http.MethodPost, base+"/collect", `{"tensor":{"shape":[2],"data":[1,2]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("collect after reset: got %d body=%s", rec.Code, rec.Body.String())
	}

	axisCal := createCalibrator(t, e, `{"axis":[-1]}`)
	axisBase := "/v1/calibrators/" + axisCal.ID
	doJSON(t, e, http.MethodPost, axisBase+"/collect", `{"tensor":{"shape":[1,2],"data":[1,2]}}`)
	rec = doJSON(t, e, http.MethodPost, axisBase+"/collect", `{"tensor":{"shape":[1,3],"data":[1,2,3]}}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for amax shape change, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, axisBase+"/collect", `{"tensor":{"shape":[2,2],"data":[1]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad payload, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/calibrators/calib_missing/collect", `{"tensor":{"shape":[1],"data":[1]}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"format":"int8","tensor":{"shape":[2,6],"data":[0,1,2,3,4,5,6,7,8,9,-9,0.5]},"block_sizes":"-1:4","roundtrip":true}`
	rec := doJSON(t, e, http.MethodPost, "/v1/quantize", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("quantize status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[QuantizeResponse](t, rec)
	if resp.Format != "int8" || resp.Granularity != "block" {
		t.Fatalf("unexpected format/granularity: %q %q", resp.Format, resp.Granularity)
	}
	if len(resp.PaddedShape) != 2 || resp.PaddedShape[1] != 8 || len(resp.Data) != 16 {
		t.Fatalf("unexpected padded payload: shape=%v len=%d", resp.PaddedShape, len(resp.Data))
	}
	if resp.Scales == nil || len(resp.Scales.Shape) != 2 || resp.Scales.Shape[1] != 2 {
		t.Fatalf("unexpected scales: %+v", resp.Scales)
	}
	if resp.RoundTrip == nil || resp.RoundTrip.MaxAbsError > 9.0/127/2+1e-6 {
		t.Fatalf("unexpected roundtrip: %+v", resp.RoundTrip)
	}

	deqBody, err := json.Marshal(DequantizeRequest{
		Format:      resp.Format,
		Shape:       resp.Shape,
		PaddedShape: resp.PaddedShape,
		Data:        resp.Data,
		Scales:      resp.Scales,
		BlockSizes:  "-1:4",
	})
	if err != nil {
		t.Fatalf("encode dequantize request: %v", err)
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/dequantize", string(deqBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("dequantize status: got %d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[TensorPayload](t, rec)
	for i, v := range out.Data {
		if v != resp.RoundTrip.Dequantized.Data[i] {
			t.Fatalf("element %d: dequantize %g != roundtrip %g", i, v, resp.RoundTrip.Dequantized.Data[i])
		}
	}
}

func TestQuantizeNonFinite(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"tensor":{"shape":[3],"data":[1,"NaN","-Inf"]},"scales":{"shape":[],"data":[0.01]},"roundtrip":true}`
	rec := doJSON(t, e, http.MethodPost, "/v1/quantize", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("quantize status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[QuantizeResponse](t, rec)
	if resp.Format != "fp8-e4m3" || resp.Granularity != "tensor" {
		t.Fatalf("unexpected format/granularity: %q %q", resp.Format, resp.Granularity)
	}
	deq := resp.RoundTrip.Dequantized.Data
	if !math.IsNaN(float64(deq[1])) {
		t.Fatalf("expected NaN to survive, got %g", deq[1])
	}
	if math.Abs(float64(deq[2])+4.48) > 1e-5 {
		t.Fatalf("expected -Inf to saturate, got %g", deq[2])
	}
}

func TestQuantizeValidationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown format", `{"format":"fp3","tensor":{"shape":[1],"data":[1]}}`, "configuration_error"},
		{"axis and blocks", `{"tensor":{"shape":[1,4],"data":[1,2,3,4]},"axis":[0],"block_sizes":"-1:2"}`, "configuration_error"},
		{"data length", `{"tensor":{"shape":[5,130],"data":[]},"block_sizes":"-1:128"}`, "invalid_request_error"},
		{"negative scale", `{"tensor":{"shape":[1],"data":[1]},"scales":{"shape":[],"data":[-1]}}`, "configuration_error"},
		{"block scales", `{"tensor":{"shape":[1,4],"data":[1,2,3,4]},"block_sizes":"-1:2","scales":{"shape":[1,1],"data":[1]}}`, "shape_error"},
		{"empty body", ``, "invalid_request_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/quantize", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("expected %s, got body=%s", tc.want, rec.Body.String())
			}
		})
	}
}

func TestFormatsAndMetrics(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	resp := decode[FormatsResponse](t, doJSON(t, e, http.MethodGet, "/v1/formats", ""))
	if len(resp.Formats) != 3 {
		t.Fatalf("expected 3 formats, got %+v", resp.Formats)
	}
	bits := map[string]int{}
	for _, f := range resp.Formats {
		bits[f.Format] = f.BitsPerElement
	}
	if bits["fp8-e4m3"] != 8 || bits["int8"] != 8 || bits["int4"] != 4 {
		t.Fatalf("unexpected bits: %v", bits)
	}

	doJSON(t, e, http.MethodPost, "/v1/quantize", `{"format":"int4","tensor":{"shape":[2],"data":[1,2]}}`)
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ptq_quantize_total") {
		t.Fatalf("metrics missing ptq_quantize_total")
	}
}

func TestFloat32sJSON(t *testing.T) {
	t.Parallel()

	in := Float32s{1.5, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `[1.5,"NaN","Inf","-Inf"]` {
		t.Fatalf("unexpected encoding: %s", b)
	}
	var out Float32s
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[0] != 1.5 || !math.IsNaN(float64(out[1])) || !math.IsInf(float64(out[2]), 1) || !math.IsInf(float64(out[3]), -1) {
		t.Fatalf("unexpected decode: %v", out)
	}
	if err := json.Unmarshal([]byte(`["nope"]`), &out); err == nil {
		t.Fatalf("expected error for invalid string")
	}
}
