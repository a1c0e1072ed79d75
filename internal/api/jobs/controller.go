package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scrubmedia/scrub/internal/dispatch"
	"github.com/scrubmedia/scrub/internal/job"
	"github.com/scrubmedia/scrub/internal/region"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var controllerLogger = logger.Get("JobsController")

type (
	// JobDto is the response shape used by every endpoint that returns
	// jobs (submit, list, get).
	JobDto struct {
		Id        uuid.UUID    `json:"id"`
		SourceRef string       `json:"source_ref"`
		Method    string       `json:"method"`
		Params    string       `json:"params"`
		Region    *region.Rect `json:"region"`
		State     JobStateDto  `json:"state"`
		Progress  int          `json:"progress"`
		Duplicate bool         `json:"duplicate"`
		Failure   *FailureDto  `json:"failure"`
	}

	JobStateDto string

	FailureDto struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}

	Service interface {
		Submit(ctx context.Context, source dispatch.InputSource, overrides dispatch.Overrides) (*job.Job, error)
		Job(ctx context.Context, id uuid.UUID) (*job.Job, error)
		Jobs(ctx context.Context) ([]*job.Job, error)
		Result(ctx context.Context, id uuid.UUID) (string, error)
	}

	Controller struct {
		service Service
	}
)

const (
	QUEUED      JobStateDto = "QUEUED"
	DOWNLOADING JobStateDto = "DOWNLOADING"
	PROCESSING  JobStateDto = "PROCESSING"
	FINALIZING  JobStateDto = "FINALIZING"
	DONE        JobStateDto = "DONE"
	FAILED      JobStateDto = "FAILED"
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.submit)
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.GET("/:id/result/", controller.result)
}

// submit accepts a multipart upload ('media' file field, with optional
// 'method', 'params' and 'source_id' fields) and queues it for processing.
// The response carries the job in whatever state it reached synchronously,
// which for a known duplicate is already DONE.
func (controller *Controller) submit(ec echo.Context) error {
	fileHeader, err := ec.FormFile("media")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart 'media' file field is required")
	}

	source, err := newUploadSource(fileHeader, ec.FormValue("source_id"))
	if err != nil {
		controllerLogger.Errorf("Failed to spool upload %s: %v\n", fileHeader.Filename, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to accept upload")
	}

	overrides := dispatch.Overrides{}
	if method := ec.FormValue("method"); method != "" {
		overrides.Method = &method
	}
	if params := ec.FormValue("params"); params != "" {
		overrides.Params = &params
	}

	submitted, err := controller.service.Submit(ec.Request().Context(), source, overrides)
	if err != nil {
		source.discard()
		if errors.Is(err, dispatch.ErrFileTooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}

		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if submitted.Duplicate {
		// A duplicate completes without staging, so the spool is ours
		// to reclaim.
		source.discard()
	}

	return ec.JSON(http.StatusCreated, NewDto(submitted))
}

func (controller *Controller) list(ec echo.Context) error {
	items, err := controller.service.Jobs(ec.Request().Context())
	if err != nil {
		controllerLogger.Errorf("Failed to list jobs: %v\n", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	dtos := make([]*JobDto, len(items))
	for k, v := range items {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	item, err := controller.service.Job(ec.Request().Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		controllerLogger.Errorf("Failed to fetch job %s: %v\n", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, NewDto(item))
}

// result streams the processed media of a completed job.
func (controller *Controller) result(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	path, err := controller.service.Result(ec.Request().Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		if errors.Is(err, dispatch.ErrResultNotReady) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}

		controllerLogger.Errorf("Failed to fetch result of %s: %v\n", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.File(path)
}

// NewDto creates a JobDto from the job model.
func NewDto(item *job.Job) *JobDto {
	var failure *FailureDto
	if item.ErrorKind != nil {
		message := ""
		if item.Error != nil {
			message = *item.Error
		}

		failure = &FailureDto{Kind: string(*item.ErrorKind), Message: message}
	}

	return &JobDto{
		Id:        item.ID,
		SourceRef: item.SourceRef,
		Method:    string(item.Method),
		Params:    item.RawParams,
		Region:    item.Rect,
		State:     StateModelToDto(item.Status),
		Progress:  item.Progress,
		Duplicate: item.Duplicate,
		Failure:   failure,
	}
}

func StateModelToDto(status job.Status) JobStateDto {
	switch status {
	case job.Queued:
		return QUEUED
	case job.Downloading:
		return DOWNLOADING
	case job.Processing:
		return PROCESSING
	case job.Finalizing:
		return FINALIZING
	case job.Done:
		return DONE
	case job.Failed:
		return FAILED
	}

	panic(fmt.Sprintf("job status %s is not recognized by API layer, DTO cannot be created. Please report this error.", status))
}

// uploadSource spools a multipart upload to a temporary file at accept
// time, because the request's own temp files are reclaimed as soon as the
// handler returns while staging happens later on a worker.
type uploadSource struct {
	ref       string
	uniqueID  string
	size      int64
	spoolPath string
}

func newUploadSource(fileHeader *multipart.FileHeader, sourceID string) (*uploadSource, error) {
	upload, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer upload.Close()

	spool, err := os.CreateTemp("", "scrub-upload-*")
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(spool, upload); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, err
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		return nil, err
	}

	if sourceID == "" {
		sourceID = fmt.Sprintf("%s:%d", fileHeader.Filename, fileHeader.Size)
	}

	return &uploadSource{
		ref:       fileHeader.Filename,
		uniqueID:  sourceID,
		size:      fileHeader.Size,
		spoolPath: spool.Name(),
	}, nil
}

func (source *uploadSource) Ref() string      { return source.ref }
func (source *uploadSource) UniqueID() string { return source.uniqueID }
func (source *uploadSource) Size() int64      { return source.size }

// Stage moves the spooled upload into place; a cross-device rename falls
// back to a copy.
func (source *uploadSource) Stage(_ context.Context, dest string) error {
	if err := os.Rename(source.spoolPath, dest); err == nil {
		return nil
	}

	in, err := os.Open(source.spoolPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	os.Remove(source.spoolPath)
	return nil
}

func (source *uploadSource) discard() {
	if err := os.Remove(source.spoolPath); err != nil && !os.IsNotExist(err) {
		controllerLogger.Warnf("Failed to discard spooled upload %s: %v\n", source.spoolPath, err)
	}
}
