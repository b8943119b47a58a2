package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Contact represents a Salesforce Contact record.
type Contact struct {
	ID               string `json:"Id" salesforce:"Id"`
	FirstName        string `json:"FirstName" salesforce:"FirstName"`
	LastName         string `json:"LastName" salesforce:"LastName"`
	Name             string `json:"Name" salesforce:"Name"`
	Email            string `json:"Email" salesforce:"Email"`
	Phone            string `json:"Phone" salesforce:"Phone"`
	MobilePhone      string `json:"MobilePhone" salesforce:"MobilePhone"`
	LeadSource       string `json:"LeadSource" salesforce:"LeadSource"`
	CreatedDate      string `json:"CreatedDate" salesforce:"CreatedDate"`
	LastModifiedDate string `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

var contactFields = []string{
	"Id", "FirstName", "LastName", "Name", "Email", "Phone", "MobilePhone",
	"LeadSource", "CreatedDate", "LastModifiedDate",
}

// OpportunityContact is the primary contact of an opportunity.
type OpportunityContact struct {
	Email       string `json:"Email" salesforce:"Email"`
	Phone       string `json:"Phone" salesforce:"Phone"`
	MobilePhone string `json:"MobilePhone" salesforce:"MobilePhone"`
}

// Opportunity represents a Salesforce Opportunity record.
type Opportunity struct {
	ID               string              `json:"Id" salesforce:"Id"`
	Name             string              `json:"Name" salesforce:"Name"`
	StageName        string              `json:"StageName" salesforce:"StageName"`
	IsWon            bool                `json:"IsWon" salesforce:"IsWon"`
	IsClosed         bool                `json:"IsClosed" salesforce:"IsClosed"`
	LeadSource       string              `json:"LeadSource" salesforce:"LeadSource"`
	RecordTypeID     string              `json:"RecordTypeId" salesforce:"RecordTypeId"`
	CloseDate        string              `json:"CloseDate" salesforce:"CloseDate"`
	CreatedDate      string              `json:"CreatedDate" salesforce:"CreatedDate"`
	LastModifiedDate string              `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
	LastStageChange  string              `json:"LastStageChangeDate" salesforce:"LastStageChangeDate"`
	ContactID        string              `json:"ContactId" salesforce:"ContactId"`
	Contact          *OpportunityContact `json:"Contact" salesforce:"Contact"`
}

var opportunityFields = []string{
	"Id", "Name", "StageName", "IsWon", "IsClosed", "LeadSource", "RecordTypeId",
	"CloseDate", "CreatedDate", "LastModifiedDate", "LastStageChangeDate", "ContactId",
	"Contact.Email", "Contact.Phone", "Contact.MobilePhone",
}

// OpportunityStage is one entry of the opportunity stage picklist.
type OpportunityStage struct {
	ID          string `json:"Id" salesforce:"Id"`
	MasterLabel string `json:"MasterLabel" salesforce:"MasterLabel"`
	ApiName     string `json:"ApiName" salesforce:"ApiName"`
	SortOrder   int    `json:"SortOrder" salesforce:"SortOrder"`
	IsClosed    bool   `json:"IsClosed" salesforce:"IsClosed"`
	IsWon       bool   `json:"IsWon" salesforce:"IsWon"`
}

// Opportunity status filters.
const (
	StatusOpen = "OPEN"
	StatusWon  = "WON"
	StatusLost = "LOST"
)

// QueryContacts returns up to limit contacts with an Id greater than after,
// in Id order. An empty after starts at the beginning.
func QueryContacts(ctx context.Context, c Client, after string, limit int) ([]Contact, error) {
	soql := keysetQuery("Contact", contactFields, "", after, limit)
	var out []Contact
	if err := c.Query(ctx, soql, &out); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: query contacts after %q", after))
	}
	return out, nil
}

// QueryOpportunities is QueryContacts for opportunities in the given status.
func QueryOpportunities(ctx context.Context, c Client, status, after string, limit int) ([]Opportunity, error) {
	where, err := statusFilter(status)
	if err != nil {
		return nil, err
	}
	soql := keysetQuery("Opportunity", opportunityFields, where, after, limit)
	var out []Opportunity
	if err := c.Query(ctx, soql, &out); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: query %s opportunities after %q", status, after))
	}
	return out, nil
}

// QueryStages returns the active opportunity stages in pipeline order.
func QueryStages(ctx context.Context, c Client) ([]OpportunityStage, error) {
	soql := "SELECT Id, MasterLabel, ApiName, SortOrder, IsClosed, IsWon FROM OpportunityStage " +
		"WHERE IsActive = true ORDER BY SortOrder"
	var out []OpportunityStage
	if err := c.Query(ctx, soql, &out); err != nil {
		return nil, eris.Wrap(err, "sf: query opportunity stages")
	}
	return out, nil
}

// LeadSources returns the active values of the Contact.LeadSource picklist.
func LeadSources(ctx context.Context, c Client) ([]PicklistValue, error) {
	desc, err := c.DescribeSObject(ctx, "Contact")
	if err != nil {
		return nil, eris.Wrap(err, "sf: lead sources")
	}
	f := desc.Field("LeadSource")
	if f == nil {
		return nil, nil
	}
	out := make([]PicklistValue, 0, len(f.PicklistValues))
	for _, v := range f.PicklistValues {
		if v.Active {
			out = append(out, v)
		}
	}
	return out, nil
}

func statusFilter(status string) (string, error) {
	switch strings.ToUpper(status) {
	case StatusOpen:
		return "IsClosed = false", nil
	case StatusWon:
		return "IsWon = true", nil
	case StatusLost:
		return "IsClosed = true AND IsWon = false", nil
	case "":
		return "", nil
	default:
		return "", eris.Errorf("sf: unknown opportunity status %q", status)
	}
}

func keysetQuery(object string, fields []string, where, after string, limit int) string {
	var conds []string
	if where != "" {
		conds = append(conds, where)
	}
	if after != "" {
		conds = append(conds, fmt.Sprintf("Id > '%s'", escapeSoql(after)))
	}
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), object)
	if len(conds) > 0 {
		soql += " WHERE " + strings.Join(conds, " AND ")
	}
	soql += " ORDER BY Id"
	if limit > 0 {
		soql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return soql
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
