// Package remote - remote record API client
package remote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/journalsync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// RecordPage one page of the remote record listing
type RecordPage struct {
	// Items the records of this page
	Items []models.Record `json:"items"`
	// HasMore whether further pages follow
	HasMore bool `json:"hasMore"`
}

// APIStatusError remote record API responded with a non-2xx status
type APIStatusError struct {
	// StatusCode HTTP status code
	StatusCode int
	// Status HTTP status line
	Status string
	// Body response body, for diagnostics
	Body string
}

// Error implements error
func (e *APIStatusError) Error() string {
	return fmt.Sprintf("remote record API returned '%s': %s", e.Status, e.Body)
}

// AuthTokenProvider callback producing the bearer token attached to each
// request. Session management lives outside this module.
type AuthTokenProvider func(ctx context.Context) (string, error)

// ClientParams remote record API client parameters
type ClientParams struct {
	// BaseURL remote record API base URL
	BaseURL string `validate:"required,url"`
	// RequestTimeout per-request timeout. Zero leaves the resty default.
	RequestTimeout time.Duration
	// AuthTokenProvider optional bearer token source
	AuthTokenProvider AuthTokenProvider
}

// Client operations of the remote record API
type Client interface {
	/*
		ListRecords fetch one page of the remote record listing

			@param ctx context.Context - execution context
			@param page int - page number, starting at 0
			@param limit int - page size
			@returns the page
	*/
	ListRecords(ctx context.Context, page int, limit int) (RecordPage, error)

	/*
		CreateRecord send a locally created record to the server

			@param ctx context.Context - execution context
			@param record models.Record - the record
			@returns the created record with server-assigned fields
	*/
	CreateRecord(ctx context.Context, record models.Record) (models.Record, error)

	/*
		UpdateRecord resend a locally edited record to the server

			@param ctx context.Context - execution context
			@param record models.Record - the record
			@returns the updated record as seen by the server
	*/
	UpdateRecord(ctx context.Context, record models.Record) (models.Record, error)
}

// restyClientImpl implements Client
type restyClientImpl struct {
	goutils.Component
	client        *resty.Client
	tokenProvider AuthTokenProvider
}

/*
NewClient define a new remote record API client

	@param params ClientParams - client parameters
	@return new client
*/
func NewClient(params ClientParams) (Client, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("remote client parameters are not valid [%w]", err)
	}

	logTags := log.Fields{
		"package": "journalsync", "module": "remote", "component": "record-api-client",
	}

	client := resty.New().SetBaseURL(params.BaseURL)
	if params.RequestTimeout > 0 {
		client = client.SetTimeout(params.RequestTimeout)
	}

	instance := &restyClientImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		client:        client,
		tokenProvider: params.AuthTokenProvider,
	}

	return instance, nil
}

// newRequest prepare one request with context and authentication attached
func (c *restyClientImpl) newRequest(ctx context.Context) (*resty.Request, error) {
	request := c.client.R().SetContext(ctx)

	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch auth token [%w]", err)
		}
		request = request.SetAuthToken(token)
	}

	return request, nil
}

// asStatusError translate a non-2xx response into an APIStatusError
func asStatusError(resp *resty.Response) error {
	return &APIStatusError{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       string(resp.Body()),
	}
}

/*
ListRecords fetch one page of the remote record listing

	@param ctx context.Context - execution context
	@param page int - page number, starting at 0
	@param limit int - page size
	@returns the page
*/
func (c *restyClientImpl) ListRecords(
	ctx context.Context, page int, limit int,
) (RecordPage, error) {
	request, err := c.newRequest(ctx)
	if err != nil {
		return RecordPage{}, err
	}

	resp, err := request.
		SetQueryParams(map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&RecordPage{}).
		Get("/records")
	if err != nil {
		return RecordPage{}, fmt.Errorf("record listing request failed [%w]", err)
	}
	if resp.IsError() {
		return RecordPage{}, asStatusError(resp)
	}

	result, ok := resp.Result().(*RecordPage)
	if !ok {
		return RecordPage{}, fmt.Errorf("record listing response failed to parse")
	}

	return *result, nil
}

/*
CreateRecord send a locally created record to the server

	@param ctx context.Context - execution context
	@param record models.Record - the record
	@returns the created record with server-assigned fields
*/
func (c *restyClientImpl) CreateRecord(
	ctx context.Context, record models.Record,
) (models.Record, error) {
	request, err := c.newRequest(ctx)
	if err != nil {
		return models.Record{}, err
	}

	resp, err := request.
		SetBody(&record).
		SetResult(&models.Record{}).
		Post("/records")
	if err != nil {
		return models.Record{}, fmt.Errorf(
			"record %s create request failed [%w]", record.ID, err,
		)
	}
	if resp.IsError() {
		return models.Record{}, asStatusError(resp)
	}

	result, ok := resp.Result().(*models.Record)
	if !ok {
		return models.Record{}, fmt.Errorf("record create response failed to parse")
	}

	return *result, nil
}

/*
UpdateRecord resend a locally edited record to the server

	@param ctx context.Context - execution context
	@param record models.Record - the record
	@returns the updated record as seen by the server
*/
func (c *restyClientImpl) UpdateRecord(
	ctx context.Context, record models.Record,
) (models.Record, error) {
	request, err := c.newRequest(ctx)
	if err != nil {
		return models.Record{}, err
	}

	resp, err := request.
		SetPathParam("recordID", record.ID).
		SetBody(&record).
		SetResult(&models.Record{}).
		Put("/records/{recordID}")
	if err != nil {
		return models.Record{}, fmt.Errorf(
			"record %s update request failed [%w]", record.ID, err,
		)
	}
	if resp.IsError() {
		return models.Record{}, asStatusError(resp)
	}

	result, ok := resp.Result().(*models.Record)
	if !ok {
		return models.Record{}, fmt.Errorf("record update response failed to parse")
	}

	return *result, nil
}
