package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/devices"
	"github.com/slickwilli/plugsave/pkg/notify"
	"github.com/slickwilli/plugsave/pkg/simulator"
	"github.com/slickwilli/plugsave/pkg/store"
	"go.uber.org/zap"
)

type Controller interface {
	Start() bool
	Stop() bool
	ForceTick() bool
	Status() simulator.Status
}

type Handler struct {
	sim     Controller
	devices *devices.Service
	events  *notify.Buffer
	logger  *zap.Logger
}

func NewHandler(logger *zap.Logger, sim Controller, svc *devices.Service, events *notify.Buffer) *Handler {
	return &Handler{sim: sim, devices: svc, events: events, logger: logger.Named("api")}
}

// NewApp builds the fiber app the handler registers on. Parsed request
// strings are copied out of fasthttp buffers so stores can keep them.
func NewApp(allowOrigins string) *fiber.App {
	app := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: allowOrigins}))
	return app
}

func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api/v1")

	api.Get("/simulation", h.simulationStatus)
	api.Post("/simulation/start", h.startSimulation)
	api.Post("/simulation/stop", h.stopSimulation)
	api.Post("/simulation/force", h.forceTick)

	api.Get("/devices", h.listDevices)
	api.Post("/devices", h.addDevice)
	api.Get("/devices/:id", h.getDevice)
	api.Patch("/devices/:id", h.updateDevice)
	api.Post("/devices/:id/power", h.setPower)
	api.Delete("/devices/:id/limits/:period", h.clearLimit)
	api.Post("/devices/:id/reset", h.resetUsage)
	api.Delete("/devices/:id", h.deleteDevice)

	api.Get("/report", h.report)
	api.Get("/events", h.listEvents)
}

func (h *Handler) simulationStatus(c *fiber.Ctx) error {
	return c.JSON(h.sim.Status())
}

func (h *Handler) startSimulation(c *fiber.Ctx) error {
	started := h.sim.Start()
	return c.JSON(fiber.Map{"started": started, "status": h.sim.Status()})
}

func (h *Handler) stopSimulation(c *fiber.Ctx) error {
	stopped := h.sim.Stop()
	return c.JSON(fiber.Map{"stopped": stopped, "status": h.sim.Status()})
}

func (h *Handler) forceTick(c *fiber.Ctx) error {
	started := h.sim.ForceTick()
	code := fiber.StatusAccepted
	if !started {
		code = fiber.StatusConflict
	}
	return c.Status(code).JSON(fiber.Map{"result": started, "status": h.sim.Status()})
}

func (h *Handler) listDevices(c *fiber.Ctx) error {
	list, err := h.devices.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	if list == nil {
		list = []models.Device{}
	}
	return c.JSON(list)
}

type addDeviceRequest struct {
	Name         string `json:"name" form:"name"`
	DeviceType   string `json:"device_type" form:"device_type"`
	SerialNumber string `json:"serial_number" form:"serial_number"`
}

func (h *Handler) addDevice(c *fiber.Ctx) error {
	var req addDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid input"})
	}
	d, err := h.devices.Add(c.UserContext(), req.Name, req.DeviceType, req.SerialNumber)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (h *Handler) getDevice(c *fiber.Ctx) error {
	d, err := h.devices.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

// An explicit null limit clears it, an absent key leaves it alone.
type updateDeviceRequest struct {
	Name         *string       `json:"name" form:"name"`
	DailyLimit   optionalFloat `json:"daily_limit"`
	WeeklyLimit  optionalFloat `json:"weekly_limit"`
	MonthlyLimit optionalFloat `json:"monthly_limit"`
}

func (h *Handler) updateDevice(c *fiber.Ctx) error {
	var req updateDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid input"})
	}
	settings := devices.Settings{Name: req.Name, Limits: map[models.Period]*float64{}}
	for p, v := range map[models.Period]optionalFloat{
		models.PeriodDaily:   req.DailyLimit,
		models.PeriodWeekly:  req.WeeklyLimit,
		models.PeriodMonthly: req.MonthlyLimit,
	} {
		if v.Set {
			settings.Limits[p] = v.Value
		}
	}
	d, err := h.devices.UpdateSettings(c.UserContext(), c.Params("id"), settings)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

type powerRequest struct {
	On *bool `json:"on" form:"on"`
}

// setPower switches the device to the requested state, or toggles it when
// the body does not say.
func (h *Handler) setPower(c *fiber.Ctx) error {
	var req powerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid input"})
		}
	}
	var (
		d   *models.Device
		err error
	)
	if req.On == nil {
		d, err = h.devices.TogglePower(c.UserContext(), c.Params("id"))
	} else {
		d, err = h.devices.SetPower(c.UserContext(), c.Params("id"), *req.On)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

func (h *Handler) clearLimit(c *fiber.Ctx) error {
	d, err := h.devices.ClearLimit(c.UserContext(), c.Params("id"), models.Period(c.Params("period")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

type resetRequest struct {
	Period string `json:"period" form:"period"`
}

func (h *Handler) resetUsage(c *fiber.Ctx) error {
	var req resetRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid input"})
		}
	}
	d, err := h.devices.ResetUsage(c.UserContext(), c.Params("id"), devices.ResetScope(req.Period))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

func (h *Handler) deleteDevice(c *fiber.Ctx) error {
	if err := h.devices.Delete(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) report(c *fiber.Ctx) error {
	sum, err := h.devices.Summary(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(sum)
}

func (h *Handler) listEvents(c *fiber.Ctx) error {
	var after uint64
	if s := c.Query("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid after sequence"})
		}
		after = v
	}
	return c.JSON(h.events.After(after))
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	var ve *devices.ValidationError
	var se *store.StoreError
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error()})
	case errors.Is(err, store.ErrSessionMissing):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "You must be logged in"})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Device not found"})
	case errors.As(err, &se):
		h.logger.Error("store request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": se.Message})
	default:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal error"})
	}
}
