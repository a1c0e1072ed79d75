package settings

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/scrubmedia/scrub/internal/settings"
)

type (
	// UpdateRequest is the PATCH body. Absent fields leave the current
	// value in place.
	UpdateRequest struct {
		Method *string `json:"method" validate:"omitempty,oneof=filtergraph inpaint"`
		Params *string `json:"params" validate:"omitempty,max=256"`
	}

	SnapshotDto struct {
		Version int    `json:"version"`
		Method  string `json:"method"`
		Params  string `json:"params"`
	}

	Store interface {
		Current() settings.Snapshot
		Update(settings.Patch) (settings.Snapshot, error)
	}

	Controller struct {
		validate *validator.Validate
		store    Store
	}
)

func New(validate *validator.Validate, store Store) *Controller {
	return &Controller{validate: validate, store: store}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.get)
	eg.PATCH("/", controller.update)
}

func (controller *Controller) get(ec echo.Context) error {
	return ec.JSON(http.StatusOK, newDto(controller.store.Current()))
}

func (controller *Controller) update(ec echo.Context) error {
	var request UpdateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}

	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	updated, err := controller.store.Update(settings.Patch{Method: request.Method, Params: request.Params})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.JSON(http.StatusOK, newDto(updated))
}

func newDto(snapshot settings.Snapshot) SnapshotDto {
	return SnapshotDto{
		Version: snapshot.Version,
		Method:  string(snapshot.Method),
		Params:  snapshot.Params,
	}
}
