package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryContacts(t *testing.T) {
	t.Run("first page has no cursor", func(t *testing.T) {
		fc := &fakeClient{
			queryFn: func(_ context.Context, soql string, out any) error {
				assert.Equal(t, "SELECT "+
					"Id, FirstName, LastName, Name, Email, Phone, MobilePhone, LeadSource, CreatedDate, LastModifiedDate "+
					"FROM Contact ORDER BY Id LIMIT 200", soql)
				*out.(*[]Contact) = []Contact{{ID: "003a", Email: "ana@x.com"}}
				return nil
			},
		}
		got, err := QueryContacts(context.Background(), fc, "", 200)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ana@x.com", got[0].Email)
	})

	t.Run("cursor is escaped", func(t *testing.T) {
		fc := &fakeClient{
			queryFn: func(_ context.Context, soql string, _ any) error {
				assert.Contains(t, soql, "WHERE Id > '003\\' OR 1=1'")
				return nil
			},
		}
		_, err := QueryContacts(context.Background(), fc, "003' OR 1=1", 10)
		require.NoError(t, err)
	})

	t.Run("query failure", func(t *testing.T) {
		fc := &fakeClient{
			queryFn: func(context.Context, string, any) error { return errors.New("connection refused") },
		}
		_, err := QueryContacts(context.Background(), fc, "", 10)
		assert.ErrorContains(t, err, "sf: query contacts")
	})
}

func TestQueryOpportunities(t *testing.T) {
	tests := []struct {
		status string
		where  string
	}{
		{StatusOpen, "WHERE IsClosed = false ORDER BY Id"},
		{StatusWon, "WHERE IsWon = true AND Id > '006a' ORDER BY Id"},
		{"lost", "WHERE IsClosed = true AND IsWon = false ORDER BY Id"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			after := ""
			if tt.status == StatusWon {
				after = "006a"
			}
			fc := &fakeClient{
				queryFn: func(_ context.Context, soql string, out any) error {
					assert.Contains(t, soql, "Contact.Email")
					assert.Contains(t, soql, "FROM Opportunity "+tt.where)
					*out.(*[]Opportunity) = []Opportunity{{ID: "006b", StageName: "Proposal"}}
					return nil
				},
			}
			got, err := QueryOpportunities(context.Background(), fc, tt.status, after, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "Proposal", got[0].StageName)
		})
	}

	_, err := QueryOpportunities(context.Background(), &fakeClient{}, "PAUSED", "", 10)
	assert.ErrorContains(t, err, "unknown opportunity status")
}

func TestQueryStages(t *testing.T) {
	fc := &fakeClient{
		queryFn: func(_ context.Context, soql string, out any) error {
			assert.Contains(t, soql, "FROM OpportunityStage WHERE IsActive = true ORDER BY SortOrder")
			*out.(*[]OpportunityStage) = []OpportunityStage{
				{MasterLabel: "Prospecting", SortOrder: 1},
				{MasterLabel: "Closed Won", SortOrder: 2, IsClosed: true, IsWon: true},
			}
			return nil
		},
	}
	got, err := QueryStages(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].IsWon)

	failing := &fakeClient{queryFn: func(context.Context, string, any) error { return errors.New("boom") }}
	_, err = QueryStages(context.Background(), failing)
	assert.ErrorContains(t, err, "opportunity stages")
}

func TestLeadSources(t *testing.T) {
	fc := &fakeClient{
		describeFn: func(_ context.Context, name string) (*SObjectDescription, error) {
			assert.Equal(t, "Contact", name)
			return &SObjectDescription{Fields: []SObjectField{{
				Name: "LeadSource",
				PicklistValues: []PicklistValue{
					{Value: "Web", Label: "Web", Active: true},
					{Value: "Fax", Label: "Fax"},
				},
			}}}, nil
		},
	}
	got, err := LeadSources(context.Background(), fc)
	require.NoError(t, err)
	assert.Equal(t, []PicklistValue{{Value: "Web", Label: "Web", Active: true}}, got)

	none, err := LeadSources(context.Background(), &fakeClient{})
	require.NoError(t, err)
	assert.Nil(t, none)

	failing := &fakeClient{describeFn: func(context.Context, string) (*SObjectDescription, error) {
		return nil, errors.New("boom")
	}}
	_, err = LeadSources(context.Background(), failing)
	assert.ErrorContains(t, err, "sf: lead sources")
}

func TestEscapeSoql(t *testing.T) {
	assert.Equal(t, "O\\'Brien", escapeSoql("O'Brien"))
	assert.Equal(t, "plain", escapeSoql("plain"))
}
