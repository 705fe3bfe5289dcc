package hl7v2

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/OberdanBrito/testehl7/pkg/pagination"
)

// Handler provides HTTP endpoints for HL7v2 segment encoding and message
// generation.
type Handler struct {
	enc    *Encoder
	gen    *Generator
	store  MessageStore
	logger zerolog.Logger
}

// NewHandler creates a new HL7v2 handler. store may be nil, in which case
// nothing is archived and the message endpoints are not registered.
func NewHandler(enc *Encoder, gen *Generator, store MessageStore, logger zerolog.Logger) *Handler {
	return &Handler{enc: enc, gen: gen, store: store, logger: logger}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	GET  /api/v1/hl7v2/segments          - List registered segment layouts
//	GET  /api/v1/hl7v2/segments/:type    - One segment layout
//	POST /api/v1/hl7v2/encode/segment    - Encode one segment from field values
//	POST /api/v1/hl7v2/encode/message    - Encode an ordered list of segments
//	POST /api/v1/hl7v2/generate/adt      - Generate ADT message from FHIR
//	POST /api/v1/hl7v2/generate/merge    - Generate ADT^A40/A41 from FHIR
//	POST /api/v1/hl7v2/generate/bar      - Generate BAR^P01/P05 from FHIR
//	POST /api/v1/hl7v2/generate/orm      - Generate ORM message from FHIR
//	POST /api/v1/hl7v2/generate/oru      - Generate ORU message from FHIR
//	GET  /api/v1/hl7v2/messages          - List archived messages
//	GET  /api/v1/hl7v2/messages/:id      - Read one archived message
//
// archiveMW is applied to the archive read endpoints only.
func (h *Handler) RegisterRoutes(g *echo.Group, archiveMW ...echo.MiddlewareFunc) {
	g.GET("/hl7v2/segments", h.ListSegments)
	g.GET("/hl7v2/segments/:type", h.GetSegment)
	g.POST("/hl7v2/encode/segment", h.EncodeSegmentHandler)
	g.POST("/hl7v2/encode/message", h.EncodeMessageHandler)
	g.POST("/hl7v2/generate/adt", h.GenerateADTHandler)
	g.POST("/hl7v2/generate/merge", h.GenerateMergeHandler)
	g.POST("/hl7v2/generate/bar", h.GenerateBARHandler)
	g.POST("/hl7v2/generate/orm", h.GenerateORMHandler)
	g.POST("/hl7v2/generate/oru", h.GenerateORUHandler)
	if h.store != nil {
		g.GET("/hl7v2/messages", h.ListMessages, archiveMW...)
		g.GET("/hl7v2/messages/:id", h.GetMessage, archiveMW...)
	}
}

// fieldJSON is the JSON representation of a field definition.
type fieldJSON struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Kind     string `json:"kind"`
	Default  string `json:"default,omitempty"`
}

// segmentSpecJSON is the JSON representation of a segment layout.
type segmentSpecJSON struct {
	Type   string      `json:"type"`
	Header bool        `json:"header,omitempty"`
	Width  int         `json:"width"`
	Fields []fieldJSON `json:"fields"`
}

func specToJSON(spec *SegmentSpec) segmentSpecJSON {
	defs := spec.Fields()
	fields := make([]fieldJSON, len(defs))
	for i, f := range defs {
		fields[i] = fieldJSON{
			Name:     f.Name,
			Position: f.Position,
			Kind:     f.Kind.String(),
			Default:  f.Default,
		}
	}
	return segmentSpecJSON{
		Type:   spec.Type(),
		Header: spec.IsHeader(),
		Width:  spec.Width(),
		Fields: fields,
	}
}

// ListSegments handles GET /api/v1/hl7v2/segments.
func (h *Handler) ListSegments(c echo.Context) error {
	specs := h.enc.Registry().Specs()
	out := make([]segmentSpecJSON, len(specs))
	for i, s := range specs {
		out[i] = specToJSON(s)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"delimiters": h.enc.Delimiters().String(),
		"segments":   out,
	})
}

// GetSegment handles GET /api/v1/hl7v2/segments/:type.
func (h *Handler) GetSegment(c echo.Context) error {
	spec, err := h.enc.Registry().Lookup(strings.ToUpper(c.Param("type")))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, specToJSON(spec))
}

// EncodeSegmentHandler handles POST /api/v1/hl7v2/encode/segment.
// Body: {"type": "PID", "values": {"patient_name": "DOE^JOHN"}}.
func (h *Handler) EncodeSegmentHandler(c echo.Context) error {
	var req Segment
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	if req.Type == "" {
		return badRequest(c, "type is required")
	}

	line, err := h.enc.Encode(req.Type, req.Values)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.Blob(http.StatusOK, "text/plain", []byte(line))
}

// encodeMessageRequest is the JSON request body for message encoding.
type encodeMessageRequest struct {
	Segments []Segment `json:"segments"`
}

// EncodeMessageHandler handles POST /api/v1/hl7v2/encode/message.
func (h *Handler) EncodeMessageHandler(c echo.Context) error {
	var req encodeMessageRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	if len(req.Segments) == 0 {
		return badRequest(c, "segments are required")
	}

	text, err := h.enc.EncodeSegments(req.Segments...)
	if err != nil {
		return h.errorResponse(c, err)
	}

	h.archive(c, &ArchivedMessage{
		MessageType:  messageTypeOf(req.Segments),
		ControlID:    req.Segments[0].Values["message_control_id"],
		Body:         text,
		SegmentCount: len(req.Segments),
	})
	return c.Blob(http.StatusOK, "text/plain", []byte(text))
}

// adtRequest is the JSON request body for ADT message generation.
type adtRequest struct {
	Event     string                 `json:"event"`
	Patient   map[string]interface{} `json:"patient"`
	Encounter map[string]interface{} `json:"encounter"`
}

// GenerateADTHandler handles POST /api/v1/hl7v2/generate/adt.
func (h *Handler) GenerateADTHandler(c echo.Context) error {
	var req adtRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	if req.Event == "" {
		return badRequest(c, "event is required")
	}
	out, err := h.gen.ADT(req.Event, req.Patient, req.Encounter)
	return h.generated(c, out, err)
}

// mergeRequest is the JSON request body for ADT^A40/A41 generation.
type mergeRequest struct {
	Event       string                 `json:"event"`
	Patient     map[string]interface{} `json:"patient"`
	MergeParams map[string]interface{} `json:"mergeParams"`
}

// GenerateMergeHandler handles POST /api/v1/hl7v2/generate/merge.
func (h *Handler) GenerateMergeHandler(c echo.Context) error {
	var req mergeRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	if req.Event == "" {
		req.Event = "A40"
	}
	out, err := h.gen.Merge(req.Event, req.Patient, req.MergeParams)
	return h.generated(c, out, err)
}

// barRequest is the JSON request body for BAR generation.
type barRequest struct {
	Event     string                 `json:"event"`
	Patient   map[string]interface{} `json:"patient"`
	Encounter map[string]interface{} `json:"encounter"`
	Diagnosis map[string]interface{} `json:"diagnosis"`
}

// GenerateBARHandler handles POST /api/v1/hl7v2/generate/bar.
func (h *Handler) GenerateBARHandler(c echo.Context) error {
	var req barRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	if req.Event == "" {
		req.Event = "P01"
	}
	out, err := h.gen.BAR(req.Event, req.Patient, req.Encounter, req.Diagnosis)
	return h.generated(c, out, err)
}

// ormRequest is the JSON request body for ORM message generation.
type ormRequest struct {
	ServiceRequest map[string]interface{} `json:"serviceRequest"`
	Patient        map[string]interface{} `json:"patient"`
}

// GenerateORMHandler handles POST /api/v1/hl7v2/generate/orm.
func (h *Handler) GenerateORMHandler(c echo.Context) error {
	var req ormRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	out, err := h.gen.ORM(req.ServiceRequest, req.Patient)
	return h.generated(c, out, err)
}

// oruRequest is the JSON request body for ORU message generation.
type oruRequest struct {
	DiagnosticReport map[string]interface{}   `json:"diagnosticReport"`
	Observations     []map[string]interface{} `json:"observations"`
	Patient          map[string]interface{}   `json:"patient"`
}

// GenerateORUHandler handles POST /api/v1/hl7v2/generate/oru.
func (h *Handler) GenerateORUHandler(c echo.Context) error {
	var req oruRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return invalidBody(c, err)
	}
	out, err := h.gen.ORU(req.DiagnosticReport, req.Observations, req.Patient)
	return h.generated(c, out, err)
}

// ListMessages handles GET /api/v1/hl7v2/messages.
func (h *Handler) ListMessages(c echo.Context) error {
	p := pagination.FromContext(c)
	msgs, total, err := h.store.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}
	if link := p.LinkHeader(c.Request().URL.Path, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, p.Limit, p.Offset))
}

// GetMessage handles GET /api/v1/hl7v2/messages/:id.
func (h *Handler) GetMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid message id")
	}
	msg, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	if c.QueryParam("format") == "raw" {
		return c.Blob(http.StatusOK, "text/plain", []byte(msg.Body))
	}
	return c.JSON(http.StatusOK, msg)
}

// generated archives and writes a generator result.
func (h *Handler) generated(c echo.Context, out *Generated, err error) error {
	if err != nil {
		return h.errorResponse(c, err)
	}
	h.archive(c, &ArchivedMessage{
		ControlID:    out.ControlID,
		MessageType:  out.MessageType,
		Body:         string(out.Body),
		SegmentCount: out.Segments,
	})
	c.Response().Header().Set("X-HL7-Control-ID", out.ControlID)
	return c.Blob(http.StatusOK, "text/plain", out.Body)
}

// archive stores msg if a store is configured. Failures are logged but do
// not fail the request: the caller already has the encoded message.
func (h *Handler) archive(c echo.Context, msg *ArchivedMessage) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(c.Request().Context(), msg); err != nil {
		h.logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("failed to archive hl7 message")
		return
	}
	c.Response().Header().Set("X-HL7-Message-ID", msg.ID.String())
}

// errorResponse maps encoder, generator and store errors to HTTP statuses.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownSegmentType), errors.Is(err, ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidDelimiterConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrPatientRequired), errors.Is(err, ErrMergeParamsMissing), errors.Is(err, ErrDiagnosisMissing),
		errors.Is(err, ErrInvalidRawSegment):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("hl7v2 request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// invalidBody answers a body that could not be read or decoded. Errors that
// already carry a status, such as the body limit's 413, are returned as is.
func invalidBody(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return badRequest(c, "invalid request body: "+err.Error())
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// messageTypeOf returns MSH-9 of the first segment when it is a header.
func messageTypeOf(segs []Segment) string {
	if len(segs) == 0 || segs[0].Type != "MSH" {
		return ""
	}
	return segs[0].Values["message_type"]
}

// decodeJSONBody reads and decodes the JSON request body into the given target.
func decodeJSONBody(c echo.Context, target interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
