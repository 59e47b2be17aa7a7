package server

import (
	"aaronromeo.com/himalayacache/internal/query"
	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

const readerKey = "reader"

// Health reports liveness.
func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Accounts serves the cached account list
func Accounts(c *fiber.Ctx) error {
	reader, err := readerFrom(c)
	if err != nil {
		return err
	}
	data, err := reader.Accounts()
	if err != nil {
		return failure(err)
	}
	return sendJSON(c, data)
}

// Folders serves the cached folder list of one account verbatim
func Folders(c *fiber.Ctx) error {
	reader, err := readerFrom(c)
	if err != nil {
		return err
	}
	account, err := required(c, "account")
	if err != nil {
		return err
	}

	data, err := reader.FolderList(account)
	if err != nil {
		return failure(err)
	}
	return sendJSON(c, data)
}

// Envelopes serves the ordered envelope listing of a folder
func Envelopes(c *fiber.Ctx) error {
	reader, err := readerFrom(c)
	if err != nil {
		return err
	}
	account, folder, err := accountFolder(c)
	if err != nil {
		return err
	}

	envelopes, err := reader.ListEnvelopes(account, folder)
	if err != nil {
		return failure(err)
	}
	data, err := query.EncodeEnvelopes(envelopes)
	if err != nil {
		return failure(err)
	}
	return sendJSON(c, data)
}

// Message serves a normalized message body as a JSON string
func Message(c *fiber.Ctx) error {
	reader, err := readerFrom(c)
	if err != nil {
		return err
	}
	account, folder, err := accountFolder(c)
	if err != nil {
		return err
	}

	body, err := reader.ReadMessage(account, folder, c.Params("id"))
	if err != nil {
		return failure(err)
	}
	data, err := query.EncodeMessage(body)
	if err != nil {
		return failure(err)
	}
	return sendJSON(c, data)
}

// Headers serves the parsed header fields of a message
func Headers(c *fiber.Ctx) error {
	reader, err := readerFrom(c)
	if err != nil {
		return err
	}
	account, folder, err := accountFolder(c)
	if err != nil {
		return err
	}

	fields, err := reader.MessageHeaders(account, folder, c.Params("id"))
	if err != nil {
		return failure(err)
	}
	return c.JSON(fields)
}

// NotFound answers unknown routes
func NotFound(c *fiber.Ctx) error {
	return fiber.NewError(fiber.StatusNotFound, "no route for "+c.Path())
}

func readerFrom(c *fiber.Ctx) (*query.Reader, error) {
	reader, ok := c.Locals(readerKey).(*query.Reader)
	if !ok {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "could not retrieve cache reader")
	}
	return reader, nil
}

func required(c *fiber.Ctx, name string) (string, error) {
	value := c.Query(name)
	if value == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "missing query parameter "+name)
	}
	return value, nil
}

func accountFolder(c *fiber.Ctx) (string, string, error) {
	account, err := required(c, "account")
	if err != nil {
		return "", "", err
	}
	folder, err := required(c, "folder")
	if err != nil {
		return "", "", err
	}
	return account, folder, nil
}

// failure maps a read error to a response. Messages naming cache paths stay
// in the log, not in the body.
func failure(err error) error {
	var nameErr *base.InvalidNameError
	switch {
	case errors.As(err, &nameErr):
		return fiber.NewError(fiber.StatusBadRequest, nameErr.Error())
	case errors.Is(err, base.ErrNotFound):
		return &readError{status: fiber.StatusNotFound, message: base.ErrNotFound.Error(), err: err}
	default:
		return &readError{status: fiber.StatusInternalServerError, message: "failed to read cache", err: err}
	}
}

// readError keeps the underlying cause for logging behind a public message.
type readError struct {
	status  int
	message string
	err     error
}

func (e *readError) Error() string { return e.message }

func (e *readError) Unwrap() error { return e.err }

// ErrorHandler renders every error as {"error": "..."}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"
	var fe *fiber.Error
	var re *readError
	switch {
	case errors.As(err, &re):
		code, message = re.status, re.message
	case errors.As(err, &fe):
		code, message = fe.Code, fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": message})
}

func sendJSON(c *fiber.Ctx, data []byte) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(data)
}
