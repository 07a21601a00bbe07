package controllers

import (
	"errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"pet-feeder-service/internal/domain/services"
	"pet-feeder-service/internal/error/code"
	"pet-feeder-service/internal/error/response"
)

// FeederProvider hands out the feeder facade; the service container implements it.
type FeederProvider interface {
	Feeder() services.InterfaceFeederService
}

// InterfaceFeederController is the pet feeder HTTP surface.
type InterfaceFeederController interface {
	FeedNow()
	CreateSchedule()
	DeleteSchedule()
	ToggleSchedules()
	ListSchedules()
	FeedingHistory()
	SendImage()
	TrainModel()
	RequestStatus()
	LatestWeight()
	ListJobs()
}

// FeederController serves one request.
type FeederController struct {
	Ctx    *gin.Context
	Feeder services.InterfaceFeederService
}

// NewFeederController creates a controller for the request.
func NewFeederController(ctx *gin.Context, feeder services.InterfaceFeederService) InterfaceFeederController {
	return &FeederController{
		Ctx:    ctx,
		Feeder: feeder,
	}
}

type (
	// FeedRequest is the optional body of a feed-now call.
	FeedRequest struct {
		Amount int `json:"amount" example:"100"`
	}

	// ScheduleRequest creates or updates a daily schedule.
	ScheduleRequest struct {
		Time   string `json:"time" binding:"required" example:"08:30"`
		Amount int    `json:"amount" binding:"required" example:"50"`
	}

	// ToggleRequest switches every schedule of a cat.
	ToggleRequest struct {
		Active *bool `json:"active" binding:"required" example:"false"`
	}

	// FeedResponse reports an immediate feeding.
	FeedResponse struct {
		Message  string `json:"message"`
		DeviceID string `json:"deviceId"`
		CatID    uint   `json:"catId"`
		Amount   int    `json:"amount"`
	}

	// CommandResponse acknowledges a device command.
	CommandResponse struct {
		Message  string `json:"message"`
		DeviceID string `json:"deviceId"`
	}

	// StatusResponse carries the last status report, if the device has sent one.
	StatusResponse struct {
		Message  string                 `json:"message"`
		DeviceID string                 `json:"deviceId"`
		Last     *services.DeviceStatus `json:"last,omitempty"`
	}
)

// HandleFeederFunc returns the gin handler for method.
func HandleFeederFunc(provider FeederProvider, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewFeederController(ctx, provider.Feeder())

		switch method {
		case "feedNow":
			controller.FeedNow()
		case "createSchedule":
			controller.CreateSchedule()
		case "deleteSchedule":
			controller.DeleteSchedule()
		case "toggleSchedules":
			controller.ToggleSchedules()
		case "listSchedules":
			controller.ListSchedules()
		case "feedingHistory":
			controller.FeedingHistory()
		case "sendImage":
			controller.SendImage()
		case "trainModel":
			controller.TrainModel()
		case "requestStatus":
			controller.RequestStatus()
		case "latestWeight":
			controller.LatestWeight()
		case "listJobs":
			controller.ListJobs()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "unknown method", nil)
		}
	}
}

// 1. FeedNow dispenses immediately.
func (c *FeederController) FeedNow() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}
	// The body is optional; an empty one means the default amount.
	var req FeedRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.FailWithMessage(c.Ctx, code.ErrBind, err.Error(), nil)
		return
	}

	deviceID := c.Ctx.Param("deviceId")
	amount, err := c.Feeder.FeedNow(c.Ctx.Request.Context(), deviceID, catID, req.Amount)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, FeedResponse{
		Message:  "feeding command sent",
		DeviceID: deviceID,
		CatID:    catID,
		Amount:   amount,
	})
}

// 2. CreateSchedule creates or updates the schedule for (cat, device, time).
func (c *FeederController) CreateSchedule() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}
	var req ScheduleRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, err.Error(), nil)
		return
	}

	schedule, err := c.Feeder.CreateOrUpdateSchedule(c.Ctx.Request.Context(), c.Ctx.Param("deviceId"), catID, req.Time, req.Amount)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.SuccessWithMessage(c.Ctx, "feeding schedule saved", schedule)
}

// 3. DeleteSchedule deactivates a schedule by id.
func (c *FeederController) DeleteSchedule() {
	scheduleID, ok := c.uintParam("scheduleId")
	if !ok {
		return
	}

	schedule, err := c.Feeder.CancelSchedule(c.Ctx.Request.Context(), scheduleID)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.SuccessWithMessage(c.Ctx, "feeding schedule deleted", schedule)
}

// 4. ToggleSchedules activates or deactivates all schedules of a cat.
func (c *FeederController) ToggleSchedules() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}
	var req ToggleRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, err.Error(), nil)
		return
	}

	res := c.Feeder.ToggleAllForPet(c.Ctx.Request.Context(), catID, *req.Active)
	if !res.Success {
		errCode := code.ErrToggleFailed
		if errors.Is(res.Err, services.ErrNoSchedules) {
			errCode = code.ErrNoSchedules
		}
		response.FailWithMessage(c.Ctx, errCode, res.Message, res)
		return
	}
	response.SuccessWithMessage(c.Ctx, res.Message, res)
}

// 5. ListSchedules returns the active schedules of a cat.
func (c *FeederController) ListSchedules() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}

	schedules, err := c.Feeder.ListSchedules(c.Ctx.Request.Context(), catID)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, gin.H{"catId": catID, "schedules": schedules})
}

// 6. FeedingHistory returns the feedings of the last ?days=N days.
func (c *FeederController) FeedingHistory() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}
	days := 0
	if raw := c.Ctx.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.ParamError(c.Ctx, "days must be a positive integer")
			return
		}
		days = n
	}

	history, err := c.Feeder.ListHistory(c.Ctx.Request.Context(), catID, days)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, history)
}

// 7. SendImage asks the device to photograph a cat.
func (c *FeederController) SendImage() {
	catID, ok := c.uintParam("catId")
	if !ok {
		return
	}
	deviceID := c.Ctx.Param("deviceId")
	if err := c.Feeder.SendImage(c.Ctx.Request.Context(), deviceID, catID); err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, CommandResponse{Message: "image request sent", DeviceID: deviceID})
}

// 8. TrainModel asks the device to retrain recognition.
func (c *FeederController) TrainModel() {
	deviceID := c.Ctx.Param("deviceId")
	if err := c.Feeder.TrainModel(deviceID); err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, CommandResponse{Message: "training request sent", DeviceID: deviceID})
}

// 9. RequestStatus asks the device for a status report.
func (c *FeederController) RequestStatus() {
	deviceID := c.Ctx.Param("deviceId")
	last, err := c.Feeder.RequestStatus(deviceID)
	if err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, StatusResponse{Message: "status request sent", DeviceID: deviceID, Last: last})
}

// 10. LatestWeight returns the last weight the device reported.
func (c *FeederController) LatestWeight() {
	sample, err := c.Feeder.GetLatestWeight(c.Ctx.Request.Context(), c.Ctx.Param("deviceId"))
	if err != nil {
		c.HandleError(err)
		return
	}
	response.Success(c.Ctx, sample)
}

// 11. ListJobs lists the armed schedule jobs.
func (c *FeederController) ListJobs() {
	jobs := c.Feeder.Jobs()
	response.Success(c.Ctx, gin.H{"count": len(jobs), "jobs": jobs})
}

func (c *FeederController) uintParam(name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Ctx.Param(name), 10, 64)
	if err != nil || v == 0 {
		response.ParamError(c.Ctx, name+" must be a positive integer")
		return 0, false
	}
	return uint(v), true
}

// HandleError maps domain errors onto business codes.
func (c *FeederController) HandleError(err error) {
	switch {
	case errors.Is(err, services.ErrCatNotFound):
		response.Fail(c.Ctx, code.ErrCatNotFound, nil)
	case errors.Is(err, services.ErrScheduleNotFound):
		response.Fail(c.Ctx, code.ErrScheduleNotFound, nil)
	case errors.Is(err, services.ErrInvalidTimeOfDay):
		response.Fail(c.Ctx, code.ErrInvalidTimeOfDay, nil)
	case errors.Is(err, services.ErrInvalidAmount):
		response.Fail(c.Ctx, code.ErrInvalidAmount, nil)
	case errors.Is(err, services.ErrNoSchedules):
		response.Fail(c.Ctx, code.ErrNoSchedules, nil)
	case errors.Is(err, services.ErrLinkDown):
		response.Fail(c.Ctx, code.ErrDeviceOffline, nil)
	case errors.Is(err, services.ErrCommandFailed):
		response.Fail(c.Ctx, code.ErrCommandFailed, nil)
	case errors.Is(err, services.ErrWeightNotFound):
		response.Fail(c.Ctx, code.ErrWeightNotFound, nil)
	default:
		response.FailWithMessage(c.Ctx, code.ErrDatabase, err.Error(), nil)
	}
}
