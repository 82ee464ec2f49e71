package server

import (
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type uploadParams struct {
	UserID string `form:"user_id" validate:"required,uuid"`
	Async  bool   `form:"async"`
}

// NewApp builds the fiber application exposing the ingestion API.
func NewApp(svc *Service) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: 32 * 1024 * 1024,
	})
	app.Use(recover.New())

	validate := validator.New()
	h := &handler{svc: svc, validate: validate}

	api := app.Group("/api/v1")
	api.Post("/receipts", h.upload)
	api.Get("/receipts/export", h.export)
	api.Get("/receipts/:id", h.get)
	api.Get("/receipts", h.list)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	return app
}

type handler struct {
	svc      *Service
	validate *validator.Validate
}

func (h *handler) upload(c *fiber.Ctx) error {
	params := uploadParams{
		UserID: c.FormValue("user_id"),
		Async:  c.FormValue("async") == "true",
	}
	if err := h.validate.Struct(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "user_id must be a UUID")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "could not read file")
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(f)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "could not read file")
	}

	res, err := h.svc.Upload(c.UserContext(), UploadRequest{
		UserID:      params.UserID,
		Content:     content,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Filename:    fileHeader.Filename,
		Async:       params.Async,
	})
	if err != nil {
		return respondError(c, err)
	}
	code := fiber.StatusCreated
	if res.Queued {
		code = fiber.StatusAccepted
	}
	return c.Status(code).JSON(res)
}

func (h *handler) get(c *fiber.Ctx) error {
	rec, err := h.svc.GetReceipt(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

func (h *handler) list(c *fiber.Ctx) error {
	recs, err := h.svc.ListReceipts(c.UserContext(),
		c.Query("user_id"), c.Query("from_date"), c.Query("to_date"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"receipts": recs})
}

func (h *handler) export(c *fiber.Ctx) error {
	out, err := h.svc.ExportReceipts(c.UserContext(),
		c.Query("user_id"), c.Query("from_date"), c.Query("to_date"))
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="receipts.xlsx"`)
	return c.Send(out)
}

// respondError maps service-layer status codes onto HTTP.
func respondError(c *fiber.Ctx, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	var httpCode int
	switch st.Code() {
	case codes.InvalidArgument:
		httpCode = http.StatusBadRequest
	case codes.NotFound:
		httpCode = http.StatusNotFound
	case codes.Canceled:
		httpCode = http.StatusRequestTimeout
	default:
		httpCode = http.StatusInternalServerError
	}
	return c.Status(httpCode).JSON(fiber.Map{"error": st.Message()})
}
