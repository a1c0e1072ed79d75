package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/scrubmedia/scrub/internal/api/jobs"
	settingsController "github.com/scrubmedia/scrub/internal/api/settings"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/internal/http/websocket"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// Purger empties the duplicate-suppression ledger.
	Purger interface {
		Purge(ctx context.Context) (int64, error)
	}

	// RestGateway is a thin wrapper around the Echo router. Its sole
	// responsibility is to expose the routes, manage the activity-stream
	// websocket, and translate bus events into client updates.
	RestGateway struct {
		*broadcaster
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		eventCh            event.HandlerChannel
		jobsController     controller
		settingsController controller
		purger             Purger
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the controllers. Bus events for jobs and settings are
// subscribed here so every connected client observes the pipeline live.
func NewRestGateway(
	config *RestConfig,
	jobService jobs.Service,
	settingsStore settingsController.Store,
	purger Purger,
	eventBus event.EventHandler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Debugf("Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.NewHub()

	eventCh := make(event.HandlerChannel, 100)
	eventBus.RegisterHandlerChannel(eventCh,
		event.JobUpdateEvent, event.JobProgressEvent, event.JobCompleteEvent, event.SettingsUpdateEvent)

	gateway := &RestGateway{
		broadcaster:        newBroadcaster(socket, jobService),
		config:             config,
		ec:                 ec,
		socket:             socket,
		eventCh:            eventCh,
		jobsController:     jobs.New(jobService),
		settingsController: settingsController.New(validate, settingsStore),
		purger:             purger,
	}

	// New activity-stream clients are primed with the full job list so
	// they need not wait for the next update.
	socket.WithConnectionCallback(func() map[string]any {
		payload := map[string]any{}
		if items, err := jobService.Jobs(context.Background()); err == nil {
			dtos := make([]*jobs.JobDto, len(items))
			for k, v := range items {
				dtos[k] = jobs.NewDto(v)
			}

			payload["jobs"] = dtos
		}

		return payload
	})
	socket.BindCommand("JOBS_FETCH", gateway.fetchJobsCommand)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/scrub/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	ec.GET("/api/scrub/v1/health/", gateway.health)
	ec.DELETE("/api/scrub/v1/ledger/", gateway.purgeLedger)

	jobGroup := ec.Group("/api/scrub/v1/jobs")
	gateway.jobsController.SetRoutes(jobGroup)

	settingsGroup := ec.Group("/api/scrub/v1/settings")
	gateway.settingsController.SetRoutes(settingsGroup)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.broadcaster.listen(ctx, gateway.eventCh)
	}()

	wg.Wait()

	// Parent cancellation is a normal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) health(ec echo.Context) error {
	return ec.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// fetchJobsCommand replies to the requesting client with the full job list.
func (gateway *RestGateway) fetchJobsCommand(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	items, err := gateway.broadcaster.jobService.Jobs(context.Background())
	if err != nil {
		return err
	}

	dtos := make([]*jobs.JobDto, len(items))
	for k, v := range items {
		dtos[k] = jobs.NewDto(v)
	}

	hub.Send(message.FormReply("JOBS_FETCH_RESULT", map[string]any{"jobs": dtos}, websocket.Response))
	return nil
}

// purgeLedger forgets all previously-seen content, so everything submitted
// afterwards is treated as new.
func (gateway *RestGateway) purgeLedger(ec echo.Context) error {
	purged, err := gateway.purger.Purge(ec.Request().Context())
	if err != nil {
		log.Errorf("Failed to purge content ledger: %v\n", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, map[string]int64{"purged": purged})
}
