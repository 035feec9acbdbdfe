package taxxa

import (
	"encoding/json"
	"time"

	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
)

const (
	methodTokenGenerate = "classTaxxa.fjTokenGenerate"
	methodDocumentAdd   = "classTaxxa.fjDocumentAdd"

	// rerror values the gateway uses for an unknown or expired session token.
	codeTokenInvalid = 1001
	codeTokenExpired = 1002
)

// Colombia does not observe daylight saving time.
var bogota = time.FixedZone("COT", -5*60*60)

type envelope struct {
	SToken string  `json:"stoken,omitempty"`
	JAPI   apiCall `json:"jApi"`
}

type apiCall struct {
	SMethod string `json:"sMethod"`
	JParams any    `json:"jParams"`
}

type apiResponse struct {
	RError   int             `json:"rerror"`
	SMessage string          `json:"smessage"`
	JRet     json.RawMessage `json:"jret"`
}

type tokenParams struct {
	SEmail string `json:"semail"`
	SPass  string `json:"spass"`
}

type tokenRet struct {
	SToken     string `json:"stoken"`
	NExpiresIn int64  `json:"nexpiresin"`
}

type documentRet struct {
	SCufe          string `json:"scufe"`
	SQR            string `json:"sqr"`
	STransactionID string `json:"stransactionid"`
	SInvoiceNumber string `json:"sinvoicenumber"`
}

type documentParams struct {
	WVersionUBL  string    `json:"wVersionUBL"`
	WEnvironment string    `json:"wenvironment"`
	JDocument    jDocument `json:"jDocument"`
}

type jDocument struct {
	WDocumentType    string      `json:"wdocumenttype"`
	SDocumentPrefix  string      `json:"sdocumentprefix"`
	NDocumentNumber  int64       `json:"ndocumentnumber"`
	SAuthorization   string      `json:"sauthorization"`
	TAuthStart       string      `json:"tauthorizationstart"`
	TAuthEnd         string      `json:"tauthorizationend"`
	NAuthFrom        int64       `json:"nauthorizationfrom"`
	NAuthTo          int64       `json:"nauthorizationto"`
	TIssueDate       string      `json:"tissuedate"`
	TIssueTime       string      `json:"tissuetime"`
	WCurrency        string      `json:"wcurrency"`
	SOrderReference  string      `json:"sorderreference,omitempty"`
	SCorrelationID   string      `json:"scorrelationid"`
	JSeller          party       `json:"jseller"`
	JBuyer           party       `json:"jbuyer"`
	JTotals          totals      `json:"jtotals"`
	JBillingRef      *billingRef `json:"jbillingreference,omitempty"`
	SDiscrepancyCode string      `json:"sdiscrepancyresponsecode,omitempty"`
}

type party struct {
	SName           string `json:"sname"`
	SIdentification string `json:"sidentification"`
	SEmail          string `json:"semail,omitempty"`
}

type totals struct {
	NLineExtension string `json:"nlineextensionamount"`
	NTax           string `json:"ntaxamount"`
	NPayable       string `json:"npayableamount"`
}

type billingRef struct {
	SInvoiceNumber string `json:"sinvoicenumber"`
	SCufe          string `json:"scufe"`
	TIssueDate     string `json:"tissuedate"`
}

func buildDocument(doc fiscaldomain.Document, environment string) documentParams {
	issued := doc.IssuedAt.In(bogota)
	out := jDocument{
		WDocumentType:   "Invoice",
		SDocumentPrefix: doc.Prefix,
		NDocumentNumber: doc.Number,
		SAuthorization:  doc.ResolutionNumber,
		TAuthStart:      doc.ResolutionStart.In(bogota).Format(time.DateOnly),
		TAuthEnd:        doc.ResolutionEnd.In(bogota).Format(time.DateOnly),
		NAuthFrom:       doc.ResolutionFrom,
		NAuthTo:         doc.ResolutionTo,
		TIssueDate:      issued.Format(time.DateOnly),
		TIssueTime:      issued.Format("15:04:05-07:00"),
		WCurrency:       doc.Currency,
		SOrderReference: doc.OrderReference,
		SCorrelationID:  doc.CorrelationID,
		JSeller: party{
			SName:           doc.Seller.Name,
			SIdentification: doc.Seller.TaxID,
			SEmail:          doc.Seller.Email,
		},
		JBuyer: party{
			SName:           doc.Buyer.Name,
			SIdentification: doc.Buyer.TaxID,
			SEmail:          doc.Buyer.Email,
		},
		JTotals: totals{
			NLineExtension: doc.Net.StringFixed(2),
			NTax:           doc.Tax.StringFixed(2),
			NPayable:       doc.Total.StringFixed(2),
		},
	}
	if doc.Kind == fiscaldomain.KindCreditNote {
		out.WDocumentType = "CreditNote"
		out.SDiscrepancyCode = doc.CreditReason
		out.JBillingRef = &billingRef{
			SInvoiceNumber: doc.OriginalNumber,
			SCufe:          doc.OriginalCUFE,
			TIssueDate:     doc.OriginalIssuedAt.In(bogota).Format(time.DateOnly),
		}
	}
	return documentParams{
		WVersionUBL:  "2.1",
		WEnvironment: environment,
		JDocument:    out,
	}
}
