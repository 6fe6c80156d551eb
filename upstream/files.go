package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/xuri/excelize/v2"
)

// XlsxSource reads a workbook with one sheet per feed.
type XlsxSource struct {
	archiveSource
	Path string
}

func NewXlsxSource(file string) *XlsxSource {
	s := &XlsxSource{Path: file}
	s.name = config.SourceXlsx
	s.load = func(context.Context) (archive, error) {
		if strings.TrimSpace(file) == "" {
			return nil, utils.NewSyncError(utils.ErrorKindConfiguration, "source", config.SourceXlsx, errors.New("workbook path is empty"))
		}
		f, err := excelize.OpenFile(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		a, err := decodeXlsxArchive(f)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindParse, file, "", err)
		}
		return a, nil
	}
	return s
}

// GCSSource reads an archived extract from a single GCS object. The object's extension
// picks the format: .xlsx, .ndjson/.jsonl, anything else is a JSON object of feed arrays.
type GCSSource struct {
	archiveSource
	Bucket string
	Object string
}

func NewGCSSource(ctx context.Context, location string) (*GCSSource, error) {
	bucket, object, err := utils.SplitGCSLocation(location)
	if err != nil {
		return nil, err
	}
	s := &GCSSource{Bucket: bucket, Object: object}
	s.name = config.SourceGCS
	s.load = func(ctx context.Context) (archive, error) {
		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindConfiguration, "gcs", bucket, err)
		}
		body, err := utils.ReadGCSObject(ctx, client, bucket, object)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindUpstreamFetch, location, "", err)
		}
		a, err := decodeArchive(object, body)
		if err != nil {
			return nil, utils.NewSyncError(utils.ErrorKindParse, location, "", err)
		}
		return a, nil
	}
	return s, nil
}

// decodeArchive parses an extract body by the extension of its name.
func decodeArchive(name string, body []byte) (archive, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".xlsx":
		f, err := excelize.OpenReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return decodeXlsxArchive(f)
	case ".ndjson", ".jsonl":
		return decodeNDJSONArchive(bytes.NewReader(body))
	case ".json", "":
		return decodeJSONArchive(bytes.NewReader(body))
	}
	return nil, fmt.Errorf("unsupported extract format %q", path.Ext(name))
}
