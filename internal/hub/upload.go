package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrRejected is returned when the hub accepts an upload request but answers
// it with ok false.
var ErrRejected = errors.New("hub rejected the upload")

// endAttempts bounds retries of the closing request on transport failures.
const endAttempts = 5

// BeginRequest describes the version being deployed.
type BeginRequest struct {
	Project       string
	Version       string
	VersionTitle  string
	PluginMain    string
	CanvasMain    string
	FlashMain     string
	MappingTable  string
	EngineVersion string
	IsMultiplayer bool
	AspectRatio   string
	NumFiles      int
	NumBytes      int64
	LocalVersion  string
	// MetadataPath is the gzip metadata blob describing every file.
	MetadataPath string
}

// FileUpload describes one file transfer.
type FileUpload struct {
	Session string
	// Path is the file actually sent: the compressed artifact or the source.
	Path    string
	RelPath string
	Hash    string
	MD5     string
	Length  int64
	// Gzip marks Path as a gzip artifact of the source.
	Gzip bool
}

// PostProgress is the hub's report on post-upload processing.
type PostProgress struct {
	Progress int
	Info     string
	Failed   bool
}

type field struct {
	name, value string
}

type filePart struct {
	field, filename, contentType, path string
}

// Begin opens an upload session and returns its id.
func (c *Client) Begin(ctx context.Context, r BeginRequest) (string, error) {
	var fields []field
	var file *filePart
	if c.mode == Local {
		fields = append(fields, field{"files.path", r.MetadataPath})
	} else {
		file = &filePart{
			field:       "files",
			filename:    "files.json",
			contentType: "application/json; charset=utf-8",
			path:        r.MetadataPath,
		}
	}
	fields = append(fields,
		field{"encoding", "gzip"},
		field{"project", r.Project},
		field{"version", r.Version},
		field{"versiontitle", r.VersionTitle},
		field{"pluginmain", r.PluginMain},
		field{"canvasmain", r.CanvasMain},
		field{"flashmain", r.FlashMain},
		field{"mappingtable", r.MappingTable},
		field{"engineversion", r.EngineVersion},
		field{"ismultiplayer", strconv.FormatBool(r.IsMultiplayer)},
		field{"aspectratio", r.AspectRatio},
		field{"numfiles", strconv.Itoa(r.NumFiles)},
		field{"numbytes", strconv.FormatInt(r.NumBytes, 10)},
		field{"localversion", r.LocalVersion},
	)

	resp, body, err := c.postMultipart(ctx, "upload/begin", fields, file)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusGatewayTimeout {
		return "", ErrTimedOut
	}

	a, _ := decodeAnswer(resp, body)
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "upload/begin", Status: resp.StatusCode, Msg: a.Msg, Reason: reason(resp)}
	}
	if !a.OK || a.Session == "" {
		return "", &ProtocolError{Op: "upload/begin", Reason: "Unsupported response format from Hub."}
	}

	c.log.Debug("upload session started", zap.String("session", a.Session), zap.Int("files", r.NumFiles))
	return a.Session, nil
}

// UploadFile transfers one file within session.
func (c *Client) UploadFile(ctx context.Context, f FileUpload) error {
	contentType := mime.TypeByExtension(path.Ext(f.RelPath))

	var fields []field
	var file *filePart
	if c.mode == Local {
		fields = append(fields,
			field{"file.content_type", contentType},
			field{"file.name", f.RelPath},
			field{"file.path", f.Path},
		)
	} else {
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		file = &filePart{field: "file", filename: f.RelPath, contentType: contentType, path: f.Path}
	}
	fields = append(fields,
		field{"session", f.Session},
		field{"hash", f.Hash},
		field{"length", strconv.FormatInt(f.Length, 10)},
		field{"md5", f.MD5},
	)
	if f.Gzip {
		fields = append(fields, field{"encoding", "gzip"})
	}

	resp, body, err := c.postMultipart(ctx, "upload/file", fields, file)
	if err != nil {
		return err
	}
	if !isJSON(resp) {
		return &ProtocolError{Op: "upload/file", Reason: fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	var a answer
	if err := json.Unmarshal(body, &a); err != nil {
		return &ProtocolError{Op: "upload/file", Reason: fmt.Sprintf("decoding response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &UploadError{Status: resp.StatusCode, Corrupt: a.Corrupt, Msg: a.Msg, Reason: reason(resp)}
	}
	if !a.OK {
		return ErrRejected
	}
	return nil
}

// End closes session, committing it when success is true and cancelling it
// otherwise. Transport failures are retried.
func (c *Client) End(ctx context.Context, session string, success bool) error {
	op := "upload/cancel"
	if success {
		op = "upload/end"
	}

	var err error
	for attempt := 1; attempt <= endAttempts; attempt++ {
		var resp *http.Response
		resp, _, err = c.postMultipart(ctx, op, []field{{"session", session}}, nil)
		if err == nil {
			if resp.StatusCode != http.StatusOK {
				return &StatusError{Op: op, Status: resp.StatusCode, Reason: reason(resp)}
			}
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		c.log.Warn("closing upload session failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostUploadProgress polls the hub's processing of a committed session.
func (c *Client) PostUploadProgress(ctx context.Context, session string) (PostProgress, error) {
	op := "upload/progress"
	resp, body, err := c.postMultipart(ctx, op+"/"+session, nil, nil)
	if err != nil {
		return PostProgress{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PostProgress{}, &StatusError{Op: op, Status: resp.StatusCode, Reason: reason(resp)}
	}

	payload := struct {
		Progress *json.Number `json:"progress"`
		Info     string       `json:"info"`
		Failed   bool         `json:"failed"`
		Error    string       `json:"error"`
	}{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PostProgress{}, &ProtocolError{Op: op, Reason: fmt.Sprintf("decoding response: %v", err)}
	}

	p := PostProgress{Progress: -1, Info: payload.Info, Failed: payload.Failed}
	if payload.Error != "" {
		p.Failed = true
		if p.Info == "" {
			p.Info = payload.Error
		}
	}
	if payload.Progress != nil {
		if f, err := payload.Progress.Float64(); err == nil {
			p.Progress = int(f)
		}
	}
	return p, nil
}

// postMultipart streams a multipart/form-data body so large files are never
// held in memory. Opening the file happens before the request is sent, so an
// unreadable file surfaces as an *fs.PathError.
func (c *Client) postMultipart(ctx context.Context, op string, fields []field, file *filePart) (*http.Response, []byte, error) {
	var src *os.File
	if file != nil {
		f, err := os.Open(file.path)
		if err != nil {
			return nil, nil, err
		}
		src = f
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, fields, file, src)
		if src != nil {
			_ = src.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	return c.do(ctx, http.MethodPost, c.endpoint(op, ""), mw.FormDataContentType(), pr)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeForm(mw *multipart.Writer, fields []field, file *filePart, src io.Reader) error {
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(file.field), quoteEscaper.Replace(file.filename)))
		h.Set("Content-Type", file.contentType)
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("streaming %s: %w", file.path, err)
		}
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	return mw.Close()
}
