package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pennywise-app/pennywise/internal/daemon"
	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
)

func parseDate(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := time.Parse(api.DateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return &d, nil
}

func parseFilter(c *gin.Context) (api.TransactionFilter, error) {
	f := api.TransactionFilter{
		Merchant:    c.Query("merchant"),
		Category:    c.Query("category"),
		Subcategory: c.Query("subcategory"),
		AccountName: c.Query("account_name"),
	}

	var err error
	if f.StartDate, err = parseDate(c.Query("start_date"), "start_date"); err != nil {
		return f, err
	}
	if f.EndDate, err = parseDate(c.Query("end_date"), "end_date"); err != nil {
		return f, err
	}
	if v := c.Query("unclassified"); v != "" {
		if f.Unclassified, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("unclassified must be a boolean")
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%s must be a non-negative integer", name)
			}
			*dst = n
		}
	}
	return f, nil
}

func (s *Server) listTransactions(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txns, err := s.deps.Transactions.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txns)
}

func (s *Server) getTransaction(c *gin.Context) {
	txn, err := s.deps.Transactions.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type transactionRequest struct {
	ID             string          `json:"id"`
	RawDescription string          `json:"raw_description" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Date           string          `json:"date" binding:"required"`
	AccountName    string          `json:"account_name"`
	Merchant       string          `json:"merchant"`
	IsRecurring    bool            `json:"is_recurring"`
}

// createTransaction classifies a manually entered transaction against the
// current rules and stores it.
func (s *Server) createTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	date, err := parseDate(req.Date, "date")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txn := api.Transaction{
		ID:             req.ID,
		RawDescription: strings.TrimSpace(req.RawDescription),
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Date:           *date,
		AccountName:    req.AccountName,
		Merchant:       req.Merchant,
		IsRecurring:    req.IsRecurring,
		Source:         "manual",
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	ctx := c.Request.Context()
	engine, err := classify.Load(ctx, s.deps.Rules,
		classify.WithWorkers(s.deps.Workers),
		classify.WithLogger(s.logger),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	classified, _, err := engine.Classify(txn)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	saved, err := s.deps.Transactions.SaveTransaction(ctx, classified)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

type patchRequest struct {
	Merchant    *string          `json:"merchant"`
	Category    *string          `json:"category"`
	Subcategory *string          `json:"subcategory"`
	Bucket      *string          `json:"bucket"`
	AccountName *string          `json:"account_name"`
	Amount      *decimal.Decimal `json:"amount"`
	Date        *string          `json:"date"`
	IsRecurring *bool            `json:"is_recurring"`
}

func (s *Server) updateTransaction(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	patch := api.TransactionPatch{
		Merchant:    req.Merchant,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Bucket:      req.Bucket,
		AccountName: req.AccountName,
		Amount:      req.Amount,
		IsRecurring: req.IsRecurring,
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date, "date")
		if err != nil || date == nil {
			badRequest(c, "date must be YYYY-MM-DD")
			return
		}
		patch.Date = date
	}
	if patch.Empty() {
		badRequest(c, "no fields to update")
		return
	}

	txn, err := s.deps.Transactions.UpdateTransaction(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) deleteTransaction(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Transactions.DeleteTransaction(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction " + id + " deleted"})
}

func (s *Server) refreshTransactions(c *gin.Context) {
	if s.deps.Ingestion == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": daemon.ErrRefreshUnsupported.Error()})
		return
	}
	queued, err := s.deps.Ingestion.Refresh()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}
