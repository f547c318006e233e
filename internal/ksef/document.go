package ksef

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

const (
	schemaNamespace = "http://crd.gov.pl/wzor/2023/06/29/12648/"
	formCode        = "FA"
	formVariant     = 3
)

type fakturaXML struct {
	XMLName  xml.Name    `xml:"Faktura"`
	Xmlns    string      `xml:"xmlns,attr"`
	Naglowek naglowekXML `xml:"Naglowek"`
	Podmiot1 podmiotXML  `xml:"Podmiot1"`
	Podmiot2 podmiotXML  `xml:"Podmiot2"`
	Fa       faXML       `xml:"Fa"`
}

type naglowekXML struct {
	KodFormularza     kodFormularzaXML `xml:"KodFormularza"`
	WariantFormularza int              `xml:"WariantFormularza"`
	SystemInfo        string           `xml:"SystemInfo,omitempty"`
}

type kodFormularzaXML struct {
	KodSystemowy string `xml:"kodSystemowy,attr"`
	Value        string `xml:",chardata"`
}

type podmiotXML struct {
	DaneIdentyfikacyjne daneIdentyfikacyjneXML `xml:"DaneIdentyfikacyjne"`
	Adres               *adresXML              `xml:"Adres,omitempty"`
}

type daneIdentyfikacyjneXML struct {
	NIP   string `xml:"NIP"`
	Nazwa string `xml:"Nazwa"`
}

type adresXML struct {
	AdresL1 string `xml:"AdresL1"`
}

type faXML struct {
	KodWaluty string        `xml:"KodWaluty"`
	P1        string        `xml:"P_1"`  // issue date
	P2        string        `xml:"P_2"`  // invoice number
	P13       string        `xml:"P_13"` // total net
	P14       string        `xml:"P_14"` // total vat
	P15       string        `xml:"P_15"` // total gross
	Wiersze   []faWierszXML `xml:"FaWiersz"`
	Platnosc  *platnoscXML  `xml:"Platnosc,omitempty"`
}

type faWierszXML struct {
	NrWierszaFa int    `xml:"NrWierszaFa"`
	P7          string `xml:"P_7"`            // item name
	P8B         string `xml:"P_8B,omitempty"` // quantity
	P9A         string `xml:"P_9A,omitempty"` // unit price net
	P11         string `xml:"P_11,omitempty"` // line net value
	P11A        string `xml:"P_11A,omitempty"`
	P12         string `xml:"P_12,omitempty"` // vat rate
}

type platnoscXML struct {
	TerminPlatnosci terminXML `xml:"TerminPlatnosci"`
}

type terminXML struct {
	Termin string `xml:"Termin"`
}

// Builder maps an approved invoice into the FA(3) layout. It refuses
// incomplete data: a missing required field is a build failure that names
// the field, never a fabricated placeholder.
type Builder struct {
	systemInfo string
}

func NewBuilder(systemInfo string) *Builder {
	return &Builder{systemInfo: systemInfo}
}

func (b *Builder) Build(inv *domain.Invoice) ([]byte, error) {
	required := []struct{ name, value string }{
		{"number", inv.Number},
		{"issue_date", inv.IssueDate},
		{"currency", inv.Currency},
		{"seller.name", inv.Seller.Name},
		{"seller.tax_id", inv.Seller.TaxID},
		{"buyer.name", inv.Buyer.Name},
		{"buyer.tax_id", inv.Buyer.TaxID},
		{"total_net", inv.TotalNet},
		{"total_vat", inv.TotalVAT},
		{"total_gross", inv.TotalGross},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "build fa document",
				fmt.Errorf("missing required field: %s", f.name))
		}
	}
	if len(inv.Lines) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "build fa document",
			fmt.Errorf("missing required field: lines"))
	}

	doc := fakturaXML{
		Xmlns: schemaNamespace,
		Naglowek: naglowekXML{
			KodFormularza: kodFormularzaXML{
				KodSystemowy: fmt.Sprintf("%s (%d)", formCode, formVariant),
				Value:        formCode,
			},
			WariantFormularza: formVariant,
			SystemInfo:        b.systemInfo,
		},
		Podmiot1: buildPodmiot(inv.Seller),
		Podmiot2: buildPodmiot(inv.Buyer),
		Fa: faXML{
			KodWaluty: inv.Currency,
			P1:        inv.IssueDate,
			P2:        inv.Number,
			P13:       inv.TotalNet,
			P14:       inv.TotalVAT,
			P15:       inv.TotalGross,
		},
	}
	if inv.DueDate != "" {
		doc.Fa.Platnosc = &platnoscXML{TerminPlatnosci: terminXML{Termin: inv.DueDate}}
	}
	for _, line := range inv.Lines {
		doc.Fa.Wiersze = append(doc.Fa.Wiersze, faWierszXML{
			NrWierszaFa: line.Position,
			P7:          line.Name,
			P8B:         line.Quantity,
			P9A:         line.UnitPriceNet,
			P11:         line.Net,
			P11A:        line.Gross,
			P12:         line.VATRate,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal fa document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func buildPodmiot(party domain.Party) podmiotXML {
	p := podmiotXML{
		DaneIdentyfikacyjne: daneIdentyfikacyjneXML{
			NIP:   domain.NormalizeNIP(party.TaxID),
			Nazwa: party.Name,
		},
	}
	if party.Address != "" {
		p.Adres = &adresXML{AdresL1: party.Address}
	}
	return p
}

// Parse recovers invoice values from an FA document. Used for verification;
// monetary values stay decimal strings end to end, so the round trip is
// lossless.
func Parse(data []byte) (*domain.Invoice, error) {
	var doc fakturaXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal fa document: %w", err)
	}

	inv := &domain.Invoice{
		Number:     doc.Fa.P2,
		IssueDate:  doc.Fa.P1,
		Currency:   doc.Fa.KodWaluty,
		TotalNet:   doc.Fa.P13,
		TotalVAT:   doc.Fa.P14,
		TotalGross: doc.Fa.P15,
		Seller: domain.Party{
			Name:  doc.Podmiot1.DaneIdentyfikacyjne.Nazwa,
			TaxID: doc.Podmiot1.DaneIdentyfikacyjne.NIP,
		},
		Buyer: domain.Party{
			Name:  doc.Podmiot2.DaneIdentyfikacyjne.Nazwa,
			TaxID: doc.Podmiot2.DaneIdentyfikacyjne.NIP,
		},
	}
	if doc.Podmiot1.Adres != nil {
		inv.Seller.Address = doc.Podmiot1.Adres.AdresL1
	}
	if doc.Podmiot2.Adres != nil {
		inv.Buyer.Address = doc.Podmiot2.Adres.AdresL1
	}
	if doc.Fa.Platnosc != nil {
		inv.DueDate = doc.Fa.Platnosc.TerminPlatnosci.Termin
	}
	for _, w := range doc.Fa.Wiersze {
		inv.Lines = append(inv.Lines, domain.LineItem{
			Position:     w.NrWierszaFa,
			Name:         w.P7,
			Quantity:     w.P8B,
			UnitPriceNet: w.P9A,
			Net:          w.P11,
			Gross:        w.P11A,
			VATRate:      w.P12,
		})
	}
	return inv, nil
}
