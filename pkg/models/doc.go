/*
Package models defines the data structures shared by the ndt-reporter packages:
proxy descriptors, measurement servers, speed samples and the report payload.

Core Types:

ProxyDescriptor is a parsed line of the proxy list:

	type ProxyDescriptor struct {
		Kind ProxyKind // http, socks4 or socks5
		URL  *url.URL  // full proxy URL including credentials
	}

MeasurementServer is the ndt7 server returned by the locator:

	type MeasurementServer struct {
		Machine     string // server identifier
		DownloadURL string // wss download endpoint
		UploadURL   string // wss upload endpoint
	}

SpeedSample is the outcome of one download + upload run. A zero value for either
direction means the phase failed and was not measured.

ReportPayload is the JSON body submitted to the scoring API. Speeds are rounded to
two decimals and the timestamp is UTC with millisecond precision:

	{"download_speed": 93.41, "upload_speed": 40.2, "latitude": 31.230416,
	 "longitude": 121.473701, "timestamp": "2024-05-01T08:00:00.000Z"}

StoredProxy is the database row used when the proxy pool is kept in Postgres.

Usage Example:

	d, err := models.ParseProxyDescriptor("10.0.0.1:8080")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(d.Kind) // http

	payload := models.NewReportPayload(sample, point, time.Now())

Thread Safety:

The model structures are plain values and are not synchronized. ProxyDescriptor is
never modified after parsing, so it can be shared between goroutines.
*/
package models
