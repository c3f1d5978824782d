package source

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// CityResolver answers city-level GeoIP lookups. *geoip2.Reader
// implements it.
type CityResolver interface {
	City(ip net.IP) (*geoip2.City, error)
}

// GeoIPConfig configures the enrichment attributes.
type GeoIPConfig struct {
	// IPAtt holds the address to resolve, as a string or net.IP. A
	// host:port value is split first. Defaults to "ip".
	IPAtt string
	// CountryAtt and CityAtt receive the English names. Default
	// "country" and "city".
	CountryAtt string
	CityAtt    string
	// LatAtt and LonAtt, when set, receive the coordinates.
	LatAtt string
	LonAtt string
}

// GeoIP enriches every row with the location of its address. Rows whose
// address is missing, unparsable, or unknown to the resolver get nil
// values.
func GeoIP(src Source, resolver CityResolver, cfg GeoIPConfig) Source {
	if cfg.IPAtt == "" {
		cfg.IPAtt = "ip"
	}
	if cfg.CountryAtt == "" {
		cfg.CountryAtt = "country"
	}
	if cfg.CityAtt == "" {
		cfg.CityAtt = "city"
	}
	return Transform(src, func(row warehouse.Row) {
		var country, city, lat, lon any
		if rec := resolveCity(resolver, row[cfg.IPAtt]); rec != nil {
			if name := rec.Country.Names["en"]; name != "" {
				country = name
			}
			if name := rec.City.Names["en"]; name != "" {
				city = name
			}
			lat, lon = rec.Location.Latitude, rec.Location.Longitude
		}
		row[cfg.CountryAtt] = country
		row[cfg.CityAtt] = city
		if cfg.LatAtt != "" {
			row[cfg.LatAtt] = lat
		}
		if cfg.LonAtt != "" {
			row[cfg.LonAtt] = lon
		}
	})
}

func resolveCity(resolver CityResolver, v any) *geoip2.City {
	if v == nil || resolver == nil {
		return nil
	}
	var ip net.IP
	switch x := v.(type) {
	case net.IP:
		ip = x
	default:
		s, ok := warehouse.Str(v)
		if !ok {
			return nil
		}
		ip = net.ParseIP(s)
		if ip == nil {
			if host, _, err := net.SplitHostPort(s); err == nil {
				ip = net.ParseIP(host)
			}
		}
	}
	if ip == nil {
		return nil
	}
	rec, err := resolver.City(ip)
	if err != nil {
		return nil
	}
	return rec
}
