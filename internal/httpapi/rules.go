package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
)

// ruleResponse is returned by rule mutations. Categories of stored
// transactions only change through POST /reclassify.
type ruleResponse struct {
	Rule *api.Rule `json:"rule,omitempty"`
	// Renamed counts stored transactions whose merchant the rule renamed.
	Renamed int `json:"renamed"`
	// BackfillError is set when the rule was stored but the rename failed.
	BackfillError string `json:"backfill_error,omitempty"`
}

type ruleRequest struct {
	Name           *string         `json:"name"`
	Pattern        *string         `json:"pattern"`
	MatchType      *api.MatchType  `json:"match_type"`
	Field          *api.MatchField `json:"field"`
	TargetCategory *string         `json:"target_category"`
	Subcategory    *string         `json:"subcategory"`
	Bucket         *string         `json:"bucket"`
	MerchantRename *string         `json:"merchant_rename"`
	Priority       *int            `json:"priority"`
	Enabled        *bool           `json:"enabled"`
}

func (r ruleRequest) apply(rule *api.Rule) {
	set(&rule.Name, r.Name)
	set(&rule.Pattern, r.Pattern)
	set(&rule.MatchType, r.MatchType)
	set(&rule.Field, r.Field)
	set(&rule.TargetCategory, r.TargetCategory)
	set(&rule.Subcategory, r.Subcategory)
	set(&rule.Bucket, r.Bucket)
	set(&rule.MerchantRename, r.MerchantRename)
	set(&rule.Priority, r.Priority)
	set(&rule.Enabled, r.Enabled)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.deps.Rules.ListRules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) getRule(c *gin.Context) {
	rule, err := s.deps.Rules.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	// New rules are enabled unless the request says otherwise.
	rule := api.Rule{Enabled: true}
	req.apply(&rule)
	if err := classify.Validate(rule); err != nil {
		badRequest(c, "invalid rule: "+err.Error())
		return
	}

	created, err := s.deps.Rules.CreateRule(c.Request.Context(), rule)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.afterRuleChange(c, &created))
}

func (s *Server) updateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	rule, err := s.deps.Rules.GetRule(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	req.apply(&rule)
	if err := classify.Validate(rule); err != nil {
		badRequest(c, "invalid rule: "+err.Error())
		return
	}

	updated, err := s.deps.Rules.UpdateRule(ctx, rule)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.afterRuleChange(c, &updated))
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.deps.Rules.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ruleResponse{})
}

// afterRuleChange backfills the rule's merchant rename over stored transactions.
func (s *Server) afterRuleChange(c *gin.Context, rule *api.Rule) ruleResponse {
	resp := ruleResponse{Rule: rule}
	n, err := s.deps.Reclassifier.RenameMerchants(c.Request.Context(), *rule)
	if err != nil {
		s.logger.Error("merchant rename backfill failed", "rule_id", rule.ID, "error", err)
		resp.BackfillError = err.Error()
		return resp
	}
	resp.Renamed = n
	return resp
}
