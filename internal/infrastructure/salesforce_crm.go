package infrastructure

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/config"
	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// SalesforceCRM writes leads as Salesforce Lead records.
//
// go-salesforce does not take a context, so ctx only guards the call start.
type SalesforceCRM struct {
	insert     func(record map[string]any) (string, error)
	leadSource string
}

// ConnectSalesforce authenticates with the JWT bearer flow.
func ConnectSalesforce(cfg config.SalesforceConfig) (*salesforce.Salesforce, error) {
	pemData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "salesforce: read private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.LoginURL,
		Username:       cfg.Username,
		ConsumerKey:    cfg.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "salesforce: init")
	}
	return sf, nil
}

// NewSalesforceCRM creates the CRM client on an authenticated session.
func NewSalesforceCRM(sf *salesforce.Salesforce, leadSource string) *SalesforceCRM {
	return &SalesforceCRM{
		leadSource: leadSource,
		insert: func(record map[string]any) (string, error) {
			result, err := sf.InsertOne("Lead", record)
			if err != nil {
				return "", eris.Wrap(err, "sf: insert Lead")
			}
			if !result.Success {
				return "", eris.Errorf("sf: insert Lead failed: %v", result.Errors)
			}
			return result.Id, nil
		},
	}
}

// CreateLead inserts a Lead and returns its Salesforce id.
func (s *SalesforceCRM) CreateLead(ctx context.Context, lead entities.CRMLead) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := s.insert(leadRecord(lead, s.leadSource))
	if err != nil {
		return "", err
	}
	zap.L().Info("lead created in salesforce", zap.String("tenant_id", lead.TenantID), zap.String("lead_id", id))
	return id, nil
}

// leadRecord maps the lead to Salesforce fields. LastName and Company are
// required on Lead.
func leadRecord(lead entities.CRMLead, source string) map[string]any {
	lastName := lead.Name
	if lastName == "" {
		lastName = lead.Phone
	}
	if lastName == "" {
		lastName = "WhatsApp"
	}
	if source == "" {
		source = lead.Source
	}
	record := map[string]any{
		"LastName":   lastName,
		"Company":    lead.TenantID,
		"LeadSource": source,
	}
	if lead.Phone != "" {
		record["Phone"] = lead.Phone
	}
	if lead.LastMessage != "" {
		record["Description"] = lead.LastMessage
	}
	return record
}
