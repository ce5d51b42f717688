package httpapi

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/blobstore"
	"github.com/pacsd/pacsd/core"
	"github.com/pacsd/pacsd/ingest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Router dispatches incoming requests to the built-in REST handlers
// (spec.md §4.6), falling through to plugin.Dispatcher routes first
// (spec.md §4.4), and applies the HTTP filter and Basic-auth gate ahead
// of both (spec.md §4.5/§6).
type Router struct {
	srv *core.Server
}

// NewRouter builds a Router bound to srv's current and future Contexts.
func NewRouter(srv *core.Server) *Router {
	return &Router{srv: srv}
}

// Handler is the fasthttp.RequestHandler entry point.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	c := r.srv.Current()
	method := string(ctx.Method())
	uri := string(ctx.Path())

	if c.Config.AuthenticationEnabled {
		if !checkBasicAuth(ctx, c.Config.RegisteredUsers) {
			ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="pacsnode"`)
			writeError(ctx, apierror.New(apierror.Unauthorized, "authentication required"))
			return
		}
	}

	username, _ := basicAuthUsername(ctx)
	if !c.HTTPF.IsAllowedHTTPRequest(method, uri, ctx.RemoteIP().String(), username) {
		writeError(ctx, apierror.New(apierror.Unauthorized, "request denied by filter"))
		return
	}

	if resp, status, ok, err := c.Plugins.Dispatch(context.Background(), method, uri, ctx.PostBody()); ok {
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetStatusCode(status)
		ctx.SetBody(resp)
		return
	}

	switch {
	case uri == "/system" && method == fasthttp.MethodGet:
		r.handleSystem(ctx, c)
	case uri == "/statistics" && method == fasthttp.MethodGet:
		r.handleStatistics(ctx, c)
	case uri == "/instances" && method == fasthttp.MethodPost:
		r.handleStoreInstance(ctx, c)
	case uri == "/changes" && method == fasthttp.MethodGet:
		r.handleChanges(ctx, c)
	case strings.HasPrefix(uri, "/instances/") && method == fasthttp.MethodGet:
		r.handleReadResource(ctx, c, "/instances/", blobstore.KindJSON)
	case strings.HasPrefix(uri, "/patients/") && method == fasthttp.MethodGet:
		r.handleReadResource(ctx, c, "/patients/", blobstore.KindJSON)
	case strings.HasPrefix(uri, "/studies/") && method == fasthttp.MethodGet:
		r.handleReadResource(ctx, c, "/studies/", blobstore.KindJSON)
	case strings.HasPrefix(uri, "/series/") && method == fasthttp.MethodGet:
		r.handleReadResource(ctx, c, "/series/", blobstore.KindJSON)
	case strings.HasPrefix(uri, "/instances/") && method == fasthttp.MethodDelete:
		r.handleDelete(ctx, c, "/instances/")
	case strings.HasPrefix(uri, "/patients/") && method == fasthttp.MethodDelete:
		r.handleDelete(ctx, c, "/patients/")
	case strings.HasPrefix(uri, "/studies/") && method == fasthttp.MethodDelete:
		r.handleDelete(ctx, c, "/studies/")
	case strings.HasPrefix(uri, "/series/") && method == fasthttp.MethodDelete:
		r.handleDelete(ctx, c, "/series/")
	default:
		writeError(ctx, apierror.New(apierror.InexistentItem, "no such route %s", uri))
	}
}

func (r *Router) handleSystem(ctx *fasthttp.RequestCtx, c *core.Context) {
	writeJSON(ctx, map[string]interface{}{
		"Name":                 c.Config.DicomAet,
		"Version":              "1.0.0",
		"DicomAet":             c.Config.DicomAet,
		"DicomPort":            c.Config.DicomPort,
		"HttpPort":             c.Config.HTTPPort,
		"StorageAreaPlugin":    c.Plugins.StorageAreaFactory() != nil,
		"DatabaseBackendPlugin": c.Plugins.DatabaseBackendFactory() != nil,
	})
}

func (r *Router) handleStatistics(ctx *fasthttp.RequestCtx, c *core.Context) {
	summary, err := c.GetStatistics(context.Background())
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, summary)
}

func (r *Router) handleStoreInstance(ctx *fasthttp.RequestCtx, c *core.Context) {
	body := ctx.PostBody()
	tags, err := decodeInstanceTags(body)
	if err != nil {
		writeError(ctx, err)
		return
	}
	req := ingest.Request{RawDicom: body, Tags: tags, Origin: ingest.OriginRestApi}
	res, err := c.Store(context.Background(), req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]interface{}{
		"ID":            res.InstanceID,
		"ParentPatient": res.PatientID,
		"ParentStudy":   res.StudyID,
		"ParentSeries":  res.SeriesID,
		"Status":        storeStatus(res.IsNewInstance),
	})
}

func storeStatus(isNew bool) string {
	if isNew {
		return "Success"
	}
	return "AlreadyStored"
}

func (r *Router) handleChanges(ctx *fasthttp.RequestCtx, c *core.Context) {
	since := int64(0)
	if s := ctx.QueryArgs().Peek("since"); len(s) > 0 {
		since = parseInt64(string(s))
	}
	limit := c.Config.LimitFindResults
	if limit <= 0 {
		limit = 100
	}
	events, last, err := c.Idx.Changes(context.Background(), since, limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]interface{}{"Changes": events, "Last": last, "Done": len(events) < limit})
}

func (r *Router) handleReadResource(ctx *fasthttp.RequestCtx, c *core.Context, prefix string, kind blobstore.Kind) {
	publicID := strings.TrimPrefix(string(ctx.Path()), prefix)
	data, err := c.ReadFile(context.Background(), publicID, kind)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (r *Router) handleDelete(ctx *fasthttp.RequestCtx, c *core.Context, prefix string) {
	publicID := strings.TrimPrefix(string(ctx.Path()), prefix)
	if err := c.DeleteResource(context.Background(), publicID); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]bool{"Success": true})
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, apierror.Wrap(apierror.InternalError, err, "failed to marshal response"))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	ae, ok := apierror.As(err)
	status := apierror.New(apierror.InternalError, "%v", err).HTTPStatus()
	if ok {
		status = ae.HTTPStatus()
	}
	ctx.SetStatusCode(status)
	body := apierror.NewBody(err, string(ctx.Method()), string(ctx.Path()))
	data, _ := json.Marshal(body)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func checkBasicAuth(ctx *fasthttp.RequestCtx, users map[string]string) bool {
	username, password := basicAuthCredentials(ctx)
	if username == "" {
		return false
	}
	want, ok := users[username]
	return ok && want == password
}

func basicAuthUsername(ctx *fasthttp.RequestCtx) (string, bool) {
	u, _ := basicAuthCredentials(ctx)
	return u, u != ""
}

func basicAuthCredentials(ctx *fasthttp.RequestCtx) (string, string) {
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Basic "
	if len(auth) <= len(prefix) || string(auth[:len(prefix)]) != prefix {
		return "", ""
	}
	decoded, err := base64.StdEncoding.DecodeString(string(auth[len(prefix):]))
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// decodeInstanceTags extracts the minimal tag set from a posted DICOM
// file. Actual DICOM parsing is an external collaborator (spec.md §1
// Non-goals); in its absence this expects the simplified-JSON shape
// produced by ingest's own writeAttachments, keyed by tag name, so a
// client (or test) can POST either a raw DICOM blob a decoder has
// already been wired to handle via plugin.ImageDecoder, or this
// pre-decoded form during development.
func decodeInstanceTags(body []byte) (ingest.Tags, error) {
	var flat map[string]string
	if err := json.Unmarshal(body, &flat); err != nil {
		return ingest.Tags{}, apierror.New(apierror.BadFileFormat, "request body is not a decodable instance")
	}
	return ingest.Tags{
		PatientID:         flat["PatientID"],
		PatientName:       flat["PatientName"],
		StudyInstanceUID:  flat["StudyInstanceUID"],
		StudyDate:         flat["StudyDate"],
		AccessionNumber:   flat["AccessionNumber"],
		SeriesInstanceUID: flat["SeriesInstanceUID"],
		Modality:          flat["Modality"],
		SOPInstanceUID:    flat["SOPInstanceUID"],
		SOPClassUID:       flat["SOPClassUID"],
		TransferSyntaxUID: flat["TransferSyntaxUID"],
		InstanceNumber:    flat["InstanceNumber"],
		All:               flat,
	}, nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
